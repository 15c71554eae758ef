package risk

import (
	"context"
	"errors"
	"testing"
)

const testTP = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func setupLocal(t *testing.T, rules []Rule) (*Service, *LocalStubEvaluator, string, string) {
	t.Helper()
	svc := NewService(ServiceConfig{Clock: newFakeClock()})
	var compiled *Rules
	if rules != nil {
		var err error
		compiled, err = CompileRules(rules)
		if err != nil {
			t.Fatalf("CompileRules() error = %v", err)
		}
	}
	ev := NewLocalStubEvaluator(svc, compiled, nil)

	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "0xAgent", AppID: "weather"})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := svc.CreateTrace(ctx, &TraceRequest{SID: sess.SID, AgentTrace: &AgentTrace{
		Task:   "buy forecast",
		Events: []Event{{"type": "user_input"}, {"type": "tool_call"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return svc, ev, sess.SID, tr.TID
}

func evalRequest(sid, tid string) *EvaluateRequest {
	return &EvaluateRequest{
		SID:          sid,
		TID:          tid,
		TraceContext: TraceContext{TP: testTP},
		Payment: PaymentContext{
			Protocol: "x402:exact",
			Network:  "base-sepolia",
			Payload:  map[string]any{"authorization": map[string]any{"value": "10000"}},
		},
	}
}

func TestLocalStubEvaluator_Allow(t *testing.T) {
	_, ev, sid, tid := setupLocal(t, nil)
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, evalRequest(sid, tid))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if first.Decision != Allow || first.RiskLevel != LevelLow || first.TTLSeconds != 300 {
		t.Errorf("Evaluate() = %+v, want allow/low/300", first)
	}
	second, err := ev.Evaluate(ctx, evalRequest(sid, tid))
	if err != nil {
		t.Fatal(err)
	}
	if first.DecisionID == second.DecisionID {
		t.Errorf("DecisionID repeated: %s", first.DecisionID)
	}
}

func TestLocalStubEvaluator_Errors(t *testing.T) {
	svc, ev, sid, tid := setupLocal(t, nil)
	ctx := context.Background()

	other, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "0xOther"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*EvaluateRequest)
		wantErr error
	}{
		{"unknown sid", func(r *EvaluateRequest) { r.SID = "00000000-0000-4000-8000-000000000000" }, ErrUnknownSession},
		{"bad traceparent", func(r *EvaluateRequest) { r.TraceContext.TP = "01-abc" }, ErrUnsupportedTraceVersion},
		{"unknown tid", func(r *EvaluateRequest) { r.TID = "00000000-0000-4000-8000-000000000000" }, ErrUnknownTrace},
		{"tid of another session", func(r *EvaluateRequest) { r.SID = other.SID }, ErrSessionTraceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := evalRequest(sid, tid)
			tt.mutate(req)
			if _, err := ev.Evaluate(ctx, req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Evaluate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocalStubEvaluator_Mandate(t *testing.T) {
	_, ev, sid, tid := setupLocal(t, nil)
	ctx := context.Background()

	tests := []struct {
		name         string
		mandate      *MandateMeta
		wantDecision Outcome
		wantUsed     bool
		wantWarnings int
	}{
		{"verified", &MandateMeta{Ref: "mandates/m/1.json", Verified: true}, Allow, true, 0},
		{"unverified optional", &MandateMeta{Ref: "mandates/m/1.json", Warnings: []string{"hash_mismatch"}}, Allow, false, 1},
		{"unverified required", &MandateMeta{Ref: "mandates/m/1.json", Required: true, Warnings: []string{"hash_mismatch"}}, Deny, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := evalRequest(sid, tid)
			req.Mandate = tt.mandate
			d, err := ev.Evaluate(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			if d.Decision != tt.wantDecision {
				t.Errorf("Decision = %s, want %s", d.Decision, tt.wantDecision)
			}
			if d.UsedMandate != tt.wantUsed {
				t.Errorf("UsedMandate = %v, want %v", d.UsedMandate, tt.wantUsed)
			}
			if len(d.Warnings) != tt.wantWarnings {
				t.Errorf("Warnings = %v, want %d", d.Warnings, tt.wantWarnings)
			}
			if tt.wantDecision == Deny && (len(d.Reasons) != 1 || d.Reasons[0] != ReasonMandateIntegrity || d.RiskLevel != LevelHigh) {
				t.Errorf("deny = %+v, want %s/high", d, ReasonMandateIntegrity)
			}
		})
	}
}

func TestLocalStubEvaluator_Rules(t *testing.T) {
	rules := []Rule{
		{Name: "large_payment", Expr: `int(payment.payload.authorization.value) > 50000`, Decision: Deny},
		{Name: "mainnet", Expr: `payment.network == "base"`, Decision: Review},
		{Name: "no_trace_events", Expr: `size(trace.agent_trace.events) == 0`, Decision: Review},
	}
	_, ev, sid, tid := setupLocal(t, rules)
	ctx := context.Background()

	tests := []struct {
		name        string
		network     string
		value       string
		tid         string
		want        Outcome
		wantReasons []string
	}{
		{"allow", "base-sepolia", "10000", tid, Allow, nil},
		{"review", "base", "10000", tid, Review, []string{"mainnet"}},
		{"deny wins", "base", "90000", tid, Deny, []string{"large_payment"}},
		// Without a trace the trace rule cannot evaluate and does not match.
		{"no trace", "base-sepolia", "10000", "", Allow, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := evalRequest(sid, tt.tid)
			req.Payment.Network = tt.network
			req.Payment.Payload = map[string]any{"authorization": map[string]any{"value": tt.value}}
			d, err := ev.Evaluate(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			if d.Decision != tt.want {
				t.Errorf("Decision = %s, want %s (reasons %v)", d.Decision, tt.want, d.Reasons)
			}
			if len(d.Reasons) != len(tt.wantReasons) {
				t.Fatalf("Reasons = %v, want %v", d.Reasons, tt.wantReasons)
			}
			for i := range tt.wantReasons {
				if d.Reasons[i] != tt.wantReasons[i] {
					t.Errorf("Reasons[%d] = %q, want %q", i, d.Reasons[i], tt.wantReasons[i])
				}
			}
		})
	}
}

func TestCompileRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"allow decision", Rule{Name: "r", Expr: "true", Decision: Allow}},
		{"syntax", Rule{Name: "r", Expr: "payment.network ==", Decision: Deny}},
		{"not bool", Rule{Name: "r", Expr: `"text"`, Decision: Deny}},
		{"unknown variable", Rule{Name: "r", Expr: `wallet.balance > 1`, Decision: Deny}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileRules([]Rule{tt.rule}); err == nil {
				t.Error("CompileRules() error = nil, want error")
			}
		})
	}
}
