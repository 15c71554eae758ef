package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"x402-gateway/internal/headers"
)

// Evaluator produces a risk decision for a payment.
type Evaluator interface {
	Evaluate(ctx context.Context, req *EvaluateRequest) (*Decision, error)
}

// ReasonMandateIntegrity is reported when a required mandate did not verify.
const ReasonMandateIntegrity = "mandate_integrity_failed"

// LocalStubEvaluator decides against the local session store, the built-in
// mandate policy and optional CEL rules.
type LocalStubEvaluator struct {
	sessions Sessions
	rules    *Rules
	logger   *slog.Logger
}

var _ Evaluator = (*LocalStubEvaluator)(nil)

// NewLocalStubEvaluator creates a LocalStubEvaluator. rules may be nil.
func NewLocalStubEvaluator(sessions Sessions, rules *Rules, logger *slog.Logger) *LocalStubEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStubEvaluator{sessions: sessions, rules: rules, logger: logger}
}

func (e *LocalStubEvaluator) Evaluate(ctx context.Context, req *EvaluateRequest) (*Decision, error) {
	sess, err := e.sessions.GetSession(ctx, req.SID)
	if err != nil {
		return nil, err
	}
	if _, err := headers.ParseTraceparent(req.TraceContext.TP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTraceVersion, err)
	}

	var trace *Trace
	if req.TID != "" {
		trace, err = e.sessions.GetTrace(ctx, req.TID)
		if err != nil {
			return nil, err
		}
		if trace.SID != req.SID {
			return nil, ErrSessionTraceMismatch
		}
		if at := trace.AgentTrace; at != nil {
			e.logger.Info("agent trace context",
				slog.String("tid", trace.TID),
				slog.String("task", at.Task),
				slog.Any("model", at.ModelConfig["model"]),
				slog.Int("events", len(at.Events)),
				slog.Any("event_summary", at.EventSummary()),
			)
		}
	}

	d := &Decision{
		Decision:   Allow,
		Reasons:    []string{},
		DecisionID: uuid.NewString(),
		TTLSeconds: DefaultDecisionTTL,
		Warnings:   []string{},
		RiskLevel:  LevelLow,
		Extra:      map[string]any{},
	}
	if m := req.Mandate; m != nil {
		d.UsedMandate = m.Verified
		d.Warnings = append(d.Warnings, m.Warnings...)
		if m.Required && !m.Verified {
			d.Decision = Deny
			d.Reasons = append(d.Reasons, ReasonMandateIntegrity)
		}
	}

	if d.Decision != Deny && e.rules.Len() > 0 {
		e.applyRules(d, req, sess, trace)
	}

	switch d.Decision {
	case Deny:
		d.RiskLevel = LevelHigh
	case Review:
		d.RiskLevel = LevelMedium
	}

	e.logger.Info("risk evaluated",
		slog.String("decision", string(d.Decision)),
		slog.String("decision_id", d.DecisionID),
		slog.String("sid", req.SID),
		slog.String("tid", req.TID),
		slog.String("protocol", req.Payment.Protocol),
		slog.String("network", req.Payment.Network),
		slog.Bool("mandate", req.Mandate != nil),
		slog.Any("reasons", d.Reasons),
	)
	return d, nil
}

func (e *LocalStubEvaluator) applyRules(d *Decision, req *EvaluateRequest, sess *Session, trace *Trace) {
	vars := map[string]any{
		"payment": asMap(req.Payment),
		"mandate": asMap(req.Mandate),
		"session": asMap(sess),
		"trace":   asMap(trace),
	}
	var reviews []string
	for _, m := range e.rules.eval(vars) {
		if m.err != nil {
			e.logger.Debug("risk rule not evaluated", slog.String("rule", m.Name), slog.String("error", m.err.Error()))
			continue
		}
		if m.Decision == Deny {
			d.Decision = Deny
			d.Reasons = append(d.Reasons, m.Name)
			return
		}
		reviews = append(reviews, m.Name)
	}
	if len(reviews) > 0 {
		d.Decision = Review
		d.Reasons = append(d.Reasons, reviews...)
	}
}
