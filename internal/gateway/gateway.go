// Package gateway runs the x402 verify and settle pipeline.
//
// Each request moves through
//
//	RECEIVED → HEADERS_DECODED → EVIDENCE_VALIDATED → RISK_EVALUATED → FORWARDED | DENIED
//
// and fails closed at every stage. Only FORWARDED reaches the facilitator.
// The referenced mandate is checked on every operation, including settle
// with risk evaluation switched off.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"x402-gateway/internal/audit"
	"x402-gateway/internal/evidence"
	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/middleware"
	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
	"x402-gateway/internal/telemetry"
)

// HeaderEvidenceClaims carries base64 AP2 claims when they are not in the body.
const HeaderEvidenceClaims = "X-AP2-EVIDENCE-CLAIMS"

// Request is one verify or settle call as received.
type Request struct {
	Op            facilitator.Op
	PaymentSecure string
	Evidence      string
	RiskSession   string
	RiskTrace     string
	Payment       string // X-PAYMENT
	Claims        string // X-AP2-EVIDENCE-CLAIMS
	Origin        string
	Body          *model.VerifyRequest
}

// NewRequest collects the pipeline's inputs from HTTP headers and a decoded body.
func NewRequest(op facilitator.Op, h http.Header, body *model.VerifyRequest) *Request {
	return &Request{
		Op:            op,
		PaymentSecure: h.Get(headers.HeaderPaymentSecure),
		Evidence:      h.Get(headers.HeaderEvidence),
		RiskSession:   h.Get(headers.HeaderRiskSession),
		RiskTrace:     h.Get(headers.HeaderRiskTrace),
		Payment:       h.Get(headers.HeaderPayment),
		Claims:        h.Get(HeaderEvidenceClaims),
		Origin:        h.Get("Origin"),
		Body:          body,
	}
}

// Result is what the pipeline established, even when it ends in an error.
// A deny carries both the Decision and a 403 error.
type Result struct {
	Decision *risk.Decision
	Skipped  bool // risk evaluation disabled for this operation
	Evidence *evidence.Outcome
	Mandate  *mandate.Result
	Verify   *model.VerifyResponse
	Settle   *model.SettleResponse
}

// Config wires the pipeline stages.
type Config struct {
	Validator *evidence.Validator
	Mandates  *mandate.Service
	Evaluator risk.Evaluator
	Upstream  facilitator.Facilitator
	Recorder  *Recorder

	// SettleRisk runs risk evaluation on settle as well as verify.
	SettleRisk bool
	VerifyURL  string
	SettleURL  string

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Gateway orchestrates verify and settle requests.
type Gateway struct {
	validator  *evidence.Validator
	mandates   *mandate.Service
	evaluator  risk.Evaluator
	upstream   facilitator.Facilitator
	recorder   *Recorder
	settleRisk bool
	verifyURL  string
	settleURL  string
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a Gateway. Evaluator and Upstream are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("risk evaluator is required")
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("facilitator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = evidence.NewValidator(evidence.Config{})
	}
	if cfg.Mandates == nil {
		cfg.Mandates = mandate.NewService(mandate.ServiceConfig{Logger: cfg.Logger})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NewRecorder(RecorderConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	return &Gateway{
		validator:  cfg.Validator,
		mandates:   cfg.Mandates,
		evaluator:  cfg.Evaluator,
		upstream:   cfg.Upstream,
		recorder:   cfg.Recorder,
		settleRisk: cfg.SettleRisk,
		verifyURL:  cfg.VerifyURL,
		settleURL:  cfg.SettleURL,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("x402-gateway/gateway"),
	}, nil
}

// Verify runs the pipeline and forwards to the facilitator's verify endpoint.
func (g *Gateway) Verify(ctx context.Context, req *Request) (*Result, error) {
	req.Op = facilitator.OpVerify
	return g.process(ctx, req)
}

// Settle runs the pipeline and forwards to the facilitator's settle endpoint.
// Risk evaluation only runs when SettleRisk is set.
func (g *Gateway) Settle(ctx context.Context, req *Request) (*Result, error) {
	req.Op = facilitator.OpSettle
	return g.process(ctx, req)
}

// decodedHeaders is the HEADERS_DECODED state.
type decodedHeaders struct {
	sid      string
	tid      string
	trace    *headers.TraceContext
	evidence *headers.EvidenceRecord
}

func (g *Gateway) process(ctx context.Context, req *Request) (*Result, error) {
	withRisk := req.Op == facilitator.OpVerify || g.settleRisk
	res := &Result{Skipped: !withRisk}
	if req.Body == nil {
		return res, model.NewValidationError("body", "required")
	}

	hdr, err := g.decodeHeaders(req, withRisk)
	if err != nil {
		return res, g.reject(ctx, req, "headers", err)
	}

	ctx, span := g.startSpan(ctx, req.Op, hdr)
	defer span.End()

	payload := effectivePayload(req)

	outcome, err := g.validator.Validate(&evidence.Input{
		Claims:         g.claims(req),
		Requirements:   req.Body.PaymentRequirements,
		Origin:         req.Origin,
		PaymentHeader:  req.Payment,
		PaymentPayload: payload,
		HasMandate:     hdr.evidence != nil,
	})
	if err != nil {
		return res, g.fail(ctx, span, req, "evidence", err)
	}
	res.Evidence = outcome

	var meta *risk.MandateMeta
	if hdr.evidence != nil {
		meta, res.Mandate, err = g.resolveMandate(ctx, *hdr.evidence, outcome.Policy.RequireMandate)
		if err != nil {
			return res, g.fail(ctx, span, req, "mandate", err)
		}
	}

	if withRisk {
		d, err := g.evaluator.Evaluate(ctx, evaluateRequest(hdr, payload, meta))
		if err != nil {
			g.metrics.RiskDecision(string(req.Op), "error")
			return res, g.fail(ctx, span, req, "risk", err)
		}
		res.Decision = d
		g.metrics.RiskDecision(string(req.Op), string(d.Decision))
		g.recorder.Decision(ctx, req.Op, d)
		span.SetAttributes(
			attribute.String("risk.decision", string(d.Decision)),
			attribute.String("risk.decision_id", d.DecisionID),
		)

		switch d.Decision {
		case risk.Deny:
			span.SetStatus(codes.Error, "risk denied")
			g.logger.Info("payment denied",
				slog.String("op", string(req.Op)),
				slog.String("decision_id", d.DecisionID),
				slog.Any("reasons", d.Reasons),
				slog.String("request_id", middleware.GetRequestID(ctx)),
			)
			return res, model.NewDeniedError(d.Reasons)
		case risk.Review:
			g.logger.Warn("review decision forwarded",
				slog.String("decision_id", d.DecisionID),
				slog.Any("reasons", d.Reasons),
			)
		}
	} else {
		g.metrics.RiskDecision(string(req.Op), "skipped")
	}

	fwd := forwardRequest(req, payload)
	ctx = withCall(ctx, callInfo{
		requestID:    middleware.GetRequestID(ctx),
		origin:       req.Origin,
		requirements: &fwd.PaymentRequirements,
	})

	switch req.Op {
	case facilitator.OpSettle:
		res.Settle, err = g.upstream.Settle(ctx, fwd)
	default:
		res.Verify, err = g.upstream.Verify(ctx, fwd)
	}
	if err != nil {
		return res, g.fail(ctx, span, req, "upstream", err)
	}
	return res, nil
}

func (g *Gateway) decodeHeaders(req *Request, withRisk bool) (*decodedHeaders, error) {
	d := &decodedHeaders{}
	var err error

	if withRisk || req.RiskSession != "" {
		if d.sid, err = headers.ParseRiskSession(req.RiskSession); err != nil {
			return nil, err
		}
	}
	if d.tid, err = headers.ParseRiskTrace(req.RiskTrace); err != nil {
		return nil, err
	}

	switch {
	case req.PaymentSecure != "":
		tc, err := headers.ParsePaymentSecure(req.PaymentSecure)
		if err != nil {
			return nil, err
		}
		d.trace = &tc
	case withRisk:
		return nil, &headers.HeaderError{
			Header: headers.HeaderPaymentSecure,
			Kind:   headers.ErrMalformedHeader,
			Reason: "required",
		}
	}

	if req.Evidence != "" {
		rec, err := headers.ParseEvidence(req.Evidence)
		if err != nil {
			return nil, err
		}
		d.evidence = &rec
	}

	// X-RISK-TRACE wins; otherwise the buyer SDK's tid rides in the tracestate.
	if d.tid == "" && d.trace != nil {
		if tid := d.trace.AgentTraceID(); tid != "" {
			if u, err := uuid.Parse(tid); err == nil {
				d.tid = u.String()
			} else {
				g.logger.Debug("ignoring malformed tid in tracestate", slog.String("error", err.Error()))
			}
		}
	}
	return d, nil
}

func (g *Gateway) claims(req *Request) string {
	if req.Claims != "" {
		return req.Claims
	}
	return req.Body.AP2EvidenceHeader
}

// resolveMandate checks the referenced mandate. Blocked URLs always fail. A
// required mandate fails the request: 503 when unreachable, 422 when unusable.
// An optional one degrades to warnings for the evaluator.
func (g *Gateway) resolveMandate(ctx context.Context, rec headers.EvidenceRecord, required bool) (*risk.MandateMeta, *mandate.Result, error) {
	res, err := g.mandates.Check(ctx, rec, required)
	if err != nil {
		switch {
		case errors.Is(err, mandate.ErrFetchBlocked):
			g.metrics.MandateCheck("blocked")
		case errors.Is(err, mandate.ErrFetchTimeout), errors.Is(err, mandate.ErrFetchFailed):
			g.metrics.MandateCheck("unavailable")
		default:
			g.metrics.MandateCheck("unusable")
		}
		return nil, &res, err
	}

	outcome := "used"
	if len(res.Warnings) > 0 {
		outcome = res.Warnings[0]
	}
	g.metrics.MandateCheck(outcome)

	mime := rec.MimeType
	if mime == "" {
		mime = headers.MandateMimeType
	}
	return &risk.MandateMeta{
		Ref:          rec.MandateRef,
		SHA256B64URL: rec.ContentHash,
		Mime:         mime,
		Size:         rec.SizeBytes,
		Verified:     res.Used,
		Required:     required,
		Warnings:     res.Warnings,
	}, &res, nil
}

// effectivePayload prefers the decoded X-PAYMENT, which keeps fields a typed
// body decode would drop, and falls back to the body's paymentPayload.
func effectivePayload(req *Request) json.RawMessage {
	if req.Payment != "" {
		if decoded, err := headers.DecodeBase64(req.Payment); err == nil && isJSONObject(decoded) {
			return decoded
		}
	}
	return req.Body.PaymentPayload
}

func isJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

func evaluateRequest(hdr *decodedHeaders, payload json.RawMessage, meta *risk.MandateMeta) *risk.EvaluateRequest {
	var pp model.PaymentPayload
	_ = json.Unmarshal(payload, &pp)

	pc := risk.PaymentContext{
		Protocol: pp.Protocol,
		Version:  pp.Version,
		Network:  pp.Network,
		Payload:  map[string]any{},
	}
	if pc.Protocol == "" {
		pc.Protocol = pp.Scheme
	}
	if len(pc.Version) == 0 && pp.X402Version != 0 {
		pc.Version = json.RawMessage(strconv.Itoa(pp.X402Version))
	}
	if len(pp.Payload) > 0 {
		var inner map[string]any
		if err := json.Unmarshal(pp.Payload, &inner); err == nil && inner != nil {
			pc.Payload = inner
		}
	}

	req := &risk.EvaluateRequest{
		SID:     hdr.sid,
		TID:     hdr.tid,
		Payment: pc,
		Mandate: meta,
	}
	if hdr.trace != nil {
		req.TraceContext = risk.TraceContext{TP: hdr.trace.Traceparent(), TS: hdr.trace.TraceState}
	}
	return req
}

// forwardRequest builds the protocol-clean facilitator body: gateway policy is
// stripped from the requirements and paymentHeader is always present.
func forwardRequest(req *Request, payload json.RawMessage) *model.FacilitatorRequest {
	out := &model.FacilitatorRequest{
		X402Version:         req.Body.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req.Body.PaymentRequirements.Sanitized(),
		PaymentHeader:       req.Payment,
	}
	if out.PaymentHeader == "" && len(payload) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			out.PaymentHeader = base64.StdEncoding.EncodeToString(compact.Bytes())
		}
	}
	return out
}

func (g *Gateway) startSpan(ctx context.Context, op facilitator.Op, hdr *decodedHeaders) (context.Context, trace.Span) {
	if hdr.trace != nil {
		ctx = trace.ContextWithRemoteSpanContext(ctx, hdr.trace.SpanContext())
	}
	return g.tracer.Start(ctx, "x402."+string(op),
		trace.WithAttributes(
			attribute.String("x402.op", string(op)),
			attribute.String("risk.sid", hdr.sid),
			attribute.String("risk.tid", hdr.tid),
		),
	)
}

// reject handles failures before a span exists.
func (g *Gateway) reject(ctx context.Context, req *Request, stage string, err error) *model.APIError {
	apiErr := MapError(err)
	g.logger.Info("request rejected",
		slog.String("op", string(req.Op)),
		slog.String("stage", stage),
		slog.String("code", apiErr.Code),
		slog.String("error", err.Error()),
		slog.String("request_id", middleware.GetRequestID(ctx)),
	)
	return apiErr
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, req *Request, stage string, err error) *model.APIError {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	return g.reject(ctx, req, stage, err)
}

// Debug reports the upstream endpoints, the last exchanges and recent audit events.
func (g *Gateway) Debug(ctx context.Context, limit int) (*DebugInfo, error) {
	info := &DebugInfo{LastVerify: g.recorder.Last(facilitator.OpVerify), LastSettle: g.recorder.Last(facilitator.OpSettle)}
	info.Upstream.VerifyURL = g.verifyURL
	info.Upstream.SettleURL = g.settleURL
	recent, err := g.recorder.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	info.Recent = recent
	return info, nil
}

// DebugInfo is the body of GET /x402/debug.
type DebugInfo struct {
	Upstream struct {
		VerifyURL string `json:"verify_url"`
		SettleURL string `json:"settle_url"`
	} `json:"upstream"`
	LastVerify *Snapshot     `json:"last_verify"`
	LastSettle *Snapshot     `json:"last_settle"`
	Recent     []audit.Event `json:"recent,omitempty"`
}
