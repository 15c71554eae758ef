package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"x402-gateway/internal/audit"
	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/middleware"
	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
	"x402-gateway/internal/telemetry"
)

// maxSnapshotText bounds the raw upstream text kept in a snapshot.
const maxSnapshotText = 4096

// Snapshot is the last exchange with the facilitator for one operation.
type Snapshot struct {
	At                      time.Time                  `json:"at"`
	UpstreamURL             string                     `json:"upstream_url"`
	StatusCode              int                        `json:"status_code"`
	DurationMS              int64                      `json:"duration_ms"`
	Origin                  string                     `json:"origin,omitempty"`
	RequestID               string                     `json:"request_id,omitempty"`
	SentPaymentRequirements *model.PaymentRequirements `json:"sent_payment_requirements,omitempty"`
	JSON                    json.RawMessage            `json:"json,omitempty"`
	Text                    string                     `json:"text,omitempty"`
	Payer                   string                     `json:"payer,omitempty"`
	InvalidReason           string                     `json:"invalidReason,omitempty"`
	ErrorReason             string                     `json:"errorReason,omitempty"`
	Error                   string                     `json:"error,omitempty"`
}

type callInfo struct {
	requestID    string
	origin       string
	requirements *model.PaymentRequirements
}

type callKey struct{}

func withCall(ctx context.Context, ci callInfo) context.Context {
	return context.WithValue(ctx, callKey{}, ci)
}

func callFrom(ctx context.Context) callInfo {
	ci, _ := ctx.Value(callKey{}).(callInfo)
	if ci.requestID == "" {
		ci.requestID = middleware.GetRequestID(ctx)
	}
	return ci
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Audit   audit.Log // nil records nothing
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Recorder keeps the last facilitator exchange per operation and writes
// decisions and exchanges to the audit log. Its Observe method is the
// facilitator client's exchange hook.
type Recorder struct {
	audit   audit.Log
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	lastVerify atomic.Pointer[Snapshot]
	lastSettle atomic.Pointer[Snapshot]
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{audit: cfg.Audit, metrics: cfg.Metrics, logger: cfg.Logger, now: cfg.Now}
}

// Observe records one facilitator exchange.
func (r *Recorder) Observe(ctx context.Context, ex facilitator.Exchange) {
	ci := callFrom(ctx)
	snap := &Snapshot{
		At:                      r.now().UTC(),
		UpstreamURL:             ex.URL,
		StatusCode:              ex.StatusCode,
		DurationMS:              ex.Duration.Milliseconds(),
		Origin:                  ci.origin,
		RequestID:               ci.requestID,
		SentPaymentRequirements: ci.requirements,
	}
	if ex.Err != nil {
		snap.Error = ex.Err.Error()
	}
	if len(ex.Response) > 0 {
		if json.Valid(ex.Response) {
			snap.JSON = append(json.RawMessage(nil), ex.Response...)
			fillReasons(snap, ex.Response)
		} else {
			snap.Text = truncate(strings.TrimSpace(string(ex.Response)), maxSnapshotText)
		}
	}

	switch ex.Op {
	case facilitator.OpSettle:
		r.lastSettle.Store(snap)
	default:
		r.lastVerify.Store(snap)
	}
	r.metrics.UpstreamCall(string(ex.Op), ex.StatusCode, ex.Duration)

	detail, _ := json.Marshal(snap)
	r.record(ctx, &audit.Event{
		Kind:       audit.KindUpstream,
		RequestID:  ci.requestID,
		Op:         string(ex.Op),
		StatusCode: ex.StatusCode,
		DurationMS: snap.DurationMS,
		Detail:     detail,
	})
}

// fillReasons lifts payer and failure reasons out of a facilitator response.
func fillReasons(snap *Snapshot, body []byte) {
	var fields struct {
		Payer         string `json:"payer"`
		InvalidReason string `json:"invalidReason"`
		ErrorReason   string `json:"errorReason"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return
	}
	snap.Payer = fields.Payer
	snap.InvalidReason = fields.InvalidReason
	snap.ErrorReason = fields.ErrorReason
}

// Decision records a risk decision.
func (r *Recorder) Decision(ctx context.Context, op facilitator.Op, d *risk.Decision) {
	r.record(ctx, &audit.Event{
		Kind:       audit.KindDecision,
		RequestID:  middleware.GetRequestID(ctx),
		Op:         string(op),
		Decision:   string(d.Decision),
		DecisionID: d.DecisionID,
		Reasons:    d.Reasons,
	})
}

func (r *Recorder) record(ctx context.Context, ev *audit.Event) {
	ev.At = r.now().UTC()
	// Record even when the client has already gone away.
	if err := r.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("audit record failed",
			slog.String("kind", ev.Kind),
			slog.String("error", err.Error()),
		)
	}
}

// Last returns the last snapshot for op, or nil.
func (r *Recorder) Last(op facilitator.Op) *Snapshot {
	if op == facilitator.OpSettle {
		return r.lastSettle.Load()
	}
	return r.lastVerify.Load()
}

// Recent lists recent audit events, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.audit.Recent(ctx, limit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
