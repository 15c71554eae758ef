package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"x402-gateway/internal/evidence"
	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
)

const (
	testSID      = "7f3c7a4e-2b1d-4c55-9a0e-1d2f3b4c5d6e"
	testTID      = "0b9d2c1e-5a6f-4e7d-8c9b-0a1b2c3d4e5f"
	testTP       = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	testResource = "https://shop.example/api/weather"
	testPayTo    = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testAsset    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type fakeEvaluator struct {
	decision risk.Outcome
	reasons  []string
	err      error
	calls    int
	last     *risk.EvaluateRequest
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req *risk.EvaluateRequest) (*risk.Decision, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	d := &risk.Decision{Decision: risk.Allow, Reasons: f.reasons, DecisionID: "dec-1", TTLSeconds: 300}
	if f.decision != "" {
		d.Decision = f.decision
	}
	if m := req.Mandate; m != nil {
		d.UsedMandate = m.Verified
		d.Warnings = m.Warnings
	}
	return d, nil
}

func testBody() *model.VerifyRequest {
	return &model.VerifyRequest{
		X402Version:    1,
		PaymentPayload: json.RawMessage(`{"x402Version":1,"scheme":"exact","network":"base-sepolia","payload":{"signature":"0xabc"}}`),
		PaymentRequirements: model.PaymentRequirements{
			Scheme:            "exact",
			Network:           "base-sepolia",
			MaxAmountRequired: "10000",
			Resource:          testResource,
			PayTo:             testPayTo,
			Asset:             testAsset,
			Extra: map[string]any{
				"name":    "USDC",
				"version": "2",
				"ap2":     map[string]any{"requireMandate": false},
			},
		},
	}
}

func testRequest() *Request {
	return &Request{
		PaymentSecure: headers.PaymentSecureV1Tag + ";tp=" + testTP,
		RiskSession:   testSID,
		Body:          testBody(),
	}
}

func newTestGateway(t *testing.T, eval risk.Evaluator, up facilitator.Facilitator, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		Validator: evidence.NewValidator(evidence.Config{Now: func() time.Time { return time.Unix(1_750_000_000, 0) }}),
		Evaluator: eval,
		Upstream:  up,
		VerifyURL: "http://facilitator.test/verify",
		SettleURL: "http://facilitator.test/settle",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Upstream: &facilitator.Mock{}}); err == nil {
		t.Error("New() without evaluator: error = nil")
	}
	if _, err := New(Config{Evaluator: &fakeEvaluator{}}); err == nil {
		t.Error("New() without upstream: error = nil")
	}
}

func TestVerify_AllowForwardsCleanBody(t *testing.T) {
	eval := &fakeEvaluator{}
	var sent *model.FacilitatorRequest
	up := &facilitator.Mock{VerifyFunc: func(_ context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error) {
		sent = req
		return &model.VerifyResponse{IsValid: true, Payer: "0xabc"}, nil
	}}
	g := newTestGateway(t, eval, up, nil)

	res, err := g.Verify(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Verify == nil || !res.Verify.IsValid {
		t.Errorf("Verify = %+v, want valid", res.Verify)
	}
	if res.Decision == nil || res.Decision.Decision != risk.Allow {
		t.Errorf("Decision = %+v, want allow", res.Decision)
	}

	if sent == nil {
		t.Fatal("facilitator not called")
	}
	if _, ok := sent.PaymentRequirements.Extra["ap2"]; ok {
		t.Error("forwarded requirements still carry ap2 policy")
	}
	if sent.PaymentRequirements.Extra["name"] != "USDC" {
		t.Errorf("forwarded extra = %v, want name kept", sent.PaymentRequirements.Extra)
	}
	decoded, err := base64.StdEncoding.DecodeString(sent.PaymentHeader)
	if err != nil {
		t.Fatalf("paymentHeader not base64: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(decoded, &round); err != nil || round["scheme"] != "exact" {
		t.Errorf("paymentHeader = %s, want compact payload JSON", decoded)
	}

	pc := eval.last.Payment
	if pc.Protocol != "exact" || string(pc.Version) != "1" || pc.Network != "base-sepolia" {
		t.Errorf("payment context = %+v", pc)
	}
	if eval.last.TraceContext.TP != testTP {
		t.Errorf("TP = %q, want %q", eval.last.TraceContext.TP, testTP)
	}
}

func TestVerify_DenyNeverReachesUpstream(t *testing.T) {
	eval := &fakeEvaluator{decision: risk.Deny, reasons: []string{"velocity"}}
	up := &facilitator.Mock{}
	g := newTestGateway(t, eval, up, nil)

	res, err := g.Verify(context.Background(), testRequest())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Verify() error = %v, want *model.APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != model.CodeRiskDenied {
		t.Errorf("error = %d %s, want 403 %s", apiErr.StatusCode, apiErr.Code, model.CodeRiskDenied)
	}
	if up.Calls != 0 {
		t.Errorf("facilitator calls = %d, want 0", up.Calls)
	}
	if res.Decision == nil || res.Decision.DecisionID != "dec-1" {
		t.Errorf("Decision = %+v, want the deny decision", res.Decision)
	}
}

func TestVerify_HeaderFailures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Request)
		wantCode string
		status   int
	}{
		{
			name:     "missing payment secure",
			mutate:   func(r *Request) { r.PaymentSecure = "" },
			wantCode: model.CodeTraceHeaderInvalid,
			status:   http.StatusBadRequest,
		},
		{
			name:     "unsupported payment secure",
			mutate:   func(r *Request) { r.PaymentSecure = "w3c.v2;tp=" + testTP },
			wantCode: model.CodeTraceHeaderUnsupported,
			status:   http.StatusUnprocessableEntity,
		},
		{
			name:     "missing session",
			mutate:   func(r *Request) { r.RiskSession = "" },
			wantCode: model.CodeRiskSessionInvalid,
			status:   http.StatusBadRequest,
		},
		{
			name:     "bad trace id",
			mutate:   func(r *Request) { r.RiskTrace = "nope" },
			wantCode: model.CodeRiskTraceInvalid,
			status:   http.StatusBadRequest,
		},
		{
			name:     "evidence too large",
			mutate:   func(r *Request) { r.Evidence = "evd.v1;mr=" + string(make([]byte, headers.MaxEvidenceLen)) },
			wantCode: model.CodeHeaderTooLarge,
			status:   http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &fakeEvaluator{}
			up := &facilitator.Mock{}
			g := newTestGateway(t, eval, up, nil)
			req := testRequest()
			tt.mutate(req)

			_, err := g.Verify(context.Background(), req)
			apiErr := MapError(err)
			if apiErr.Code != tt.wantCode || apiErr.StatusCode != tt.status {
				t.Errorf("error = %d %s, want %d %s", apiErr.StatusCode, apiErr.Code, tt.status, tt.wantCode)
			}
			if eval.calls != 0 || up.Calls != 0 {
				t.Errorf("evaluator calls = %d, facilitator calls = %d, want 0", eval.calls, up.Calls)
			}
		})
	}
}

func TestVerify_ExpiredEvidenceSkipsRisk(t *testing.T) {
	eval := &fakeEvaluator{}
	up := &facilitator.Mock{}
	g := newTestGateway(t, eval, up, nil)

	claims, err := evidence.EncodeClaims(&evidence.Claims{
		V:           1,
		PaymentHash: "0x01",
		OriginHash:  "0x02",
		Resource:    testResource,
		Network:     "base-sepolia",
		Asset:       testAsset,
		PayTo:       testPayTo,
		NotAfter:    1_700_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	req := testRequest()
	req.Body.AP2EvidenceHeader = claims

	_, err = g.Verify(context.Background(), req)
	if got := MapError(err).Code; got != evidence.CodeTTLExpired {
		t.Errorf("error code = %q, want %q", got, evidence.CodeTTLExpired)
	}
	if eval.calls != 0 {
		t.Errorf("evaluator calls = %d, want 0", eval.calls)
	}
}

func TestVerify_TraceIDFromTracestate(t *testing.T) {
	eval := &fakeEvaluator{}
	g := newTestGateway(t, eval, &facilitator.Mock{}, nil)

	req := testRequest()
	req.PaymentSecure += ";ts=" + headers.NewAgentTraceState(testTID)
	if _, err := g.Verify(context.Background(), req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if eval.last.TID != testTID {
		t.Errorf("TID = %q, want %q", eval.last.TID, testTID)
	}

	// An explicit X-RISK-TRACE wins over the tracestate.
	other := "1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	req = testRequest()
	req.PaymentSecure += ";ts=" + headers.NewAgentTraceState(testTID)
	req.RiskTrace = other
	if _, err := g.Verify(context.Background(), req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if eval.last.TID != other {
		t.Errorf("TID = %q, want %q", eval.last.TID, other)
	}
}

func TestVerify_PrefersDecodedPaymentHeader(t *testing.T) {
	eval := &fakeEvaluator{}
	var sent *model.FacilitatorRequest
	up := &facilitator.Mock{VerifyFunc: func(_ context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error) {
		sent = req
		return &model.VerifyResponse{IsValid: true}, nil
	}}
	g := newTestGateway(t, eval, up, nil)

	payment := base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"protocol":"x402","version":"1.1","network":"base","payload":{"a":1}}`))
	req := testRequest()
	req.Payment = payment
	if _, err := g.Verify(context.Background(), req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sent.PaymentHeader != payment {
		t.Errorf("paymentHeader = %q, want the raw X-PAYMENT", sent.PaymentHeader)
	}
	pc := eval.last.Payment
	if pc.Protocol != "x402" || string(pc.Version) != `"1.1"` || pc.Network != "base" || pc.Payload["a"] != float64(1) {
		t.Errorf("payment context = %+v", pc)
	}
}

func TestVerify_TextPlainMandateNotUsed(t *testing.T) {
	store := mandate.NewMemoryStore()
	body := []byte("not json at all")
	key := headers.MandateKey("shop", "m-1")
	if err := store.Put(context.Background(), key, &mandate.Blob{Data: body, ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}
	eval := &fakeEvaluator{}
	g := newTestGateway(t, eval, &facilitator.Mock{}, func(c *Config) {
		c.Mandates = mandate.NewService(mandate.ServiceConfig{Store: store})
	})

	req := testRequest()
	req.Evidence = headers.EncodeEvidence(headers.EvidenceRecord{
		MandateRef:  key,
		ContentHash: mandate.ContentHash(body),
		SizeBytes:   int64(len(body)),
	})
	res, err := g.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Decision.UsedMandate {
		t.Error("UsedMandate = true, want false")
	}
	if res.Mandate == nil || len(res.Mandate.Warnings) != 1 || res.Mandate.Warnings[0] != mandate.WarnUnsupportedMediaType {
		t.Errorf("Mandate = %+v, want %s warning", res.Mandate, mandate.WarnUnsupportedMediaType)
	}
	if m := eval.last.Mandate; m == nil || m.Verified || m.Required || m.Mime != headers.MandateMimeType {
		t.Errorf("mandate meta = %+v", m)
	}
}

func TestVerify_MandateUsed(t *testing.T) {
	svc := mandate.NewService(mandate.ServiceConfig{})
	up, err := svc.Upload(context.Background(), "shop", []byte(`{"intent":"buy weather"}`))
	if err != nil {
		t.Fatal(err)
	}
	eval := &fakeEvaluator{}
	g := newTestGateway(t, eval, &facilitator.Mock{}, func(c *Config) { c.Mandates = svc })

	req := testRequest()
	req.Evidence = headers.EncodeEvidence(headers.EvidenceRecord{
		MandateRef:  up.MandateRef,
		ContentHash: up.ContentHash,
		SizeBytes:   up.SizeBytes,
	})
	res, err := g.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !res.Decision.UsedMandate || !res.Mandate.Used {
		t.Errorf("mandate not used: decision %+v, mandate %+v", res.Decision, res.Mandate)
	}
}

func TestVerify_RequiredMandateUnusable(t *testing.T) {
	svc := mandate.NewService(mandate.ServiceConfig{})
	up, err := svc.Upload(context.Background(), "shop", []byte(`{"intent":"buy weather"}`))
	if err != nil {
		t.Fatal(err)
	}
	eval := &fakeEvaluator{}
	calls := 0
	fac := &facilitator.Mock{VerifyFunc: func(context.Context, *model.FacilitatorRequest) (*model.VerifyResponse, error) {
		calls++
		return &model.VerifyResponse{IsValid: true}, nil
	}}
	g := newTestGateway(t, eval, fac, func(c *Config) { c.Mandates = svc })

	req := testRequest()
	req.Body.PaymentRequirements.Extra["ap2"] = map[string]any{"requireMandate": true}
	req.Evidence = headers.EncodeEvidence(headers.EvidenceRecord{
		MandateRef:  up.MandateRef,
		ContentHash: mandate.ContentHash([]byte("something else")),
		SizeBytes:   up.SizeBytes,
	})

	_, err = g.Verify(context.Background(), req)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != model.CodeMandateUnusable {
		t.Fatalf("Verify() error = %v, want 422 %s", err, model.CodeMandateUnusable)
	}
	if eval.calls != 0 || calls != 0 {
		t.Errorf("evaluator calls = %d, upstream calls = %d, want 0 and 0", eval.calls, calls)
	}
}

func TestSettle_RequiredMandateUnusable(t *testing.T) {
	svc := mandate.NewService(mandate.ServiceConfig{})
	up, err := svc.Upload(context.Background(), "shop", []byte(`{"intent":"buy weather"}`))
	if err != nil {
		t.Fatal(err)
	}
	eval := &fakeEvaluator{}
	settles := 0
	fac := &facilitator.Mock{SettleFunc: func(context.Context, *model.FacilitatorRequest) (*model.SettleResponse, error) {
		settles++
		return &model.SettleResponse{Success: true}, nil
	}}
	g := newTestGateway(t, eval, fac, func(c *Config) { c.Mandates = svc })

	body := testBody()
	body.PaymentRequirements.Extra["ap2"] = map[string]any{"requireMandate": true}
	req := &Request{
		Body: body,
		Evidence: headers.EncodeEvidence(headers.EvidenceRecord{
			MandateRef:  up.MandateRef,
			ContentHash: mandate.ContentHash([]byte(`{"intent":"buy everything"}`)),
			SizeBytes:   up.SizeBytes,
		}),
	}

	res, err := g.Settle(context.Background(), req)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != model.CodeMandateUnusable {
		t.Fatalf("Settle() error = %v, want 422 %s", err, model.CodeMandateUnusable)
	}
	if settles != 0 || eval.calls != 0 {
		t.Errorf("upstream settles = %d, evaluator calls = %d, want 0 and 0", settles, eval.calls)
	}
	if !res.Skipped {
		t.Error("Skipped = false, want true with settle risk off")
	}

	// The intact mandate settles without risk evaluation.
	req.Evidence = headers.EncodeEvidence(headers.EvidenceRecord{
		MandateRef:  up.MandateRef,
		ContentHash: up.ContentHash,
		SizeBytes:   up.SizeBytes,
	})
	res, err = g.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if res.Mandate == nil || !res.Mandate.Used || settles != 1 {
		t.Errorf("mandate = %+v, settles = %d, want used and 1", res.Mandate, settles)
	}
}

func TestSettle_RiskSkipped(t *testing.T) {
	eval := &fakeEvaluator{}
	up := &facilitator.Mock{SettleFunc: func(context.Context, *model.FacilitatorRequest) (*model.SettleResponse, error) {
		return &model.SettleResponse{Success: true}, nil
	}}
	g := newTestGateway(t, eval, up, nil)

	res, err := g.Settle(context.Background(), &Request{Body: testBody()})
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if !res.Skipped || res.Settle == nil || !res.Settle.Success {
		t.Errorf("Settle() = %+v, want skipped and settled", res)
	}
	if eval.calls != 0 {
		t.Errorf("evaluator calls = %d, want 0", eval.calls)
	}

	h := http.Header{}
	res.SetHeaders(h)
	if got := h.Get(HeaderRiskDecision); got != DecisionSkipped {
		t.Errorf("%s = %q, want %q", HeaderRiskDecision, got, DecisionSkipped)
	}

	// A header that is present still has to decode.
	_, err = g.Settle(context.Background(), &Request{RiskSession: "bogus", Body: testBody()})
	if got := MapError(err).Code; got != model.CodeRiskSessionInvalid {
		t.Errorf("error code = %q, want %q", got, model.CodeRiskSessionInvalid)
	}
}

func TestSettle_RiskEnabled(t *testing.T) {
	eval := &fakeEvaluator{}
	up := &facilitator.Mock{SettleFunc: func(context.Context, *model.FacilitatorRequest) (*model.SettleResponse, error) {
		return &model.SettleResponse{Success: true}, nil
	}}
	g := newTestGateway(t, eval, up, func(c *Config) { c.SettleRisk = true })

	if _, err := g.Settle(context.Background(), &Request{Body: testBody()}); err == nil {
		t.Error("Settle() without risk headers: error = nil")
	}
	res, err := g.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if res.Skipped || eval.calls != 1 {
		t.Errorf("Skipped = %v, evaluator calls = %d", res.Skipped, eval.calls)
	}
}

func TestVerify_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"status passthrough", &facilitator.StatusError{StatusCode: 400, Body: "bad"}, 400, CodeUpstreamError},
		{"unreachable", facilitator.ErrUnavailable, 503, model.CodeUpstreamUnavailable},
		{"garbled", facilitator.ErrUpstream, 502, "UPSTREAM_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &facilitator.Mock{VerifyFunc: func(context.Context, *model.FacilitatorRequest) (*model.VerifyResponse, error) {
				return nil, tt.err
			}}
			g := newTestGateway(t, &fakeEvaluator{}, up, nil)
			_, err := g.Verify(context.Background(), testRequest())
			apiErr := MapError(err)
			if apiErr.StatusCode != tt.status || apiErr.Code != tt.code {
				t.Errorf("error = %d %s, want %d %s", apiErr.StatusCode, apiErr.Code, tt.status, tt.code)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{risk.ErrUnknownSession, 404, CodeRiskSessionUnknown},
		{risk.ErrUnknownTrace, 404, CodeRiskTraceUnknown},
		{risk.ErrSessionTraceMismatch, 400, model.CodeRiskTraceInvalid},
		{risk.ErrRiskUnavailable, 503, model.CodeRiskUnavailable},
		{&risk.EngineError{StatusCode: 409, Body: "conflict"}, 409, model.CodeRiskEngineError},
		{mandate.ErrFetchBlocked, 400, model.CodeMandateFetchBlocked},
		{mandate.ErrFetchTimeout, 503, model.CodeMandateUnavailable},
		{errors.New("boom"), 500, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		got := MapError(tt.err)
		if got.StatusCode != tt.status || got.Code != tt.code {
			t.Errorf("MapError(%v) = %d %s, want %d %s", tt.err, got.StatusCode, got.Code, tt.status, tt.code)
		}
	}
}

func TestResultSetHeaders(t *testing.T) {
	res := &Result{Decision: &risk.Decision{
		Decision:   risk.Deny,
		Reasons:    []string{"velocity", "geo mismatch"},
		DecisionID: "dec-9",
		TTLSeconds: 60,
	}}
	h := http.Header{}
	res.SetHeaders(h)

	if got := h.Get(HeaderRiskDecision); got != "deny" {
		t.Errorf("%s = %q, want deny", HeaderRiskDecision, got)
	}
	if got := h.Get(HeaderRiskTTL); got != "60" {
		t.Errorf("%s = %q, want 60", HeaderRiskTTL, got)
	}
	if got := h.Get(HeaderRiskReasons); got != `"velocity", "geo mismatch"` {
		t.Errorf("%s = %q", HeaderRiskReasons, got)
	}
	reasons, err := ParseStringList(h.Get(HeaderRiskReasons))
	if err != nil || len(reasons) != 2 || reasons[1] != "geo mismatch" {
		t.Errorf("ParseStringList() = %v, %v", reasons, err)
	}
	if h.Get(HeaderRiskWarnings) != "" {
		t.Error("warnings header set for empty warnings")
	}
}

func TestRecorderSnapshots(t *testing.T) {
	rec := NewRecorder(RecorderConfig{})
	ctx := withCall(context.Background(), callInfo{requestID: "req-1", origin: "https://shop.example"})

	rec.Observe(ctx, facilitator.Exchange{
		Op:         facilitator.OpVerify,
		URL:        "http://facilitator.test/verify",
		StatusCode: 200,
		Response:   []byte(`{"isValid":false,"invalidReason":"insufficient_funds","payer":"0xabc"}`),
	})
	rec.Observe(ctx, facilitator.Exchange{
		Op:         facilitator.OpSettle,
		URL:        "http://facilitator.test/settle",
		StatusCode: 502,
		Response:   []byte("bad gateway\n"),
	})

	v := rec.Last(facilitator.OpVerify)
	if v == nil || v.InvalidReason != "insufficient_funds" || v.Payer != "0xabc" || v.RequestID != "req-1" {
		t.Errorf("last verify = %+v", v)
	}
	s := rec.Last(facilitator.OpSettle)
	if s == nil || s.Text != "bad gateway" || s.JSON != nil || s.Origin != "https://shop.example" {
		t.Errorf("last settle = %+v", s)
	}
}

func TestDebug(t *testing.T) {
	g := newTestGateway(t, &fakeEvaluator{}, &facilitator.Mock{}, nil)
	info, err := g.Debug(context.Background(), 10)
	if err != nil {
		t.Fatalf("Debug() error = %v", err)
	}
	if info.Upstream.VerifyURL != "http://facilitator.test/verify" {
		t.Errorf("VerifyURL = %q", info.Upstream.VerifyURL)
	}
	if info.LastVerify != nil || info.LastSettle != nil {
		t.Errorf("snapshots before any call = %+v / %+v, want nil", info.LastVerify, info.LastSettle)
	}
}
