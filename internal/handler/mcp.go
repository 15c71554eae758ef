// MCP transport handler for the x402 gateway using the official MCP Go SDK.
// Exposes the agent-side risk flow as MCP tools.
package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"x402-gateway/internal/gateway"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/risk"
)

// === MCP Tool Input/Output Types ===

// CreateSessionInput is the input schema for risk_create_session.
type CreateSessionInput struct {
	AgentDID string         `json:"agent_did" jsonschema:"agent identifier (DID),required"`
	AppID    string         `json:"app_id,omitempty" jsonschema:"calling application"`
	Device   map[string]any `json:"device,omitempty" jsonschema:"device attributes"`
}

// RecordTraceInput is the input schema for risk_record_trace.
type RecordTraceInput struct {
	SID         string           `json:"sid" jsonschema:"risk session id,required"`
	Fingerprint map[string]any   `json:"fingerprint,omitempty" jsonschema:"client fingerprint"`
	Telemetry   map[string]any   `json:"telemetry,omitempty" jsonschema:"client telemetry"`
	AgentTrace  *risk.AgentTrace `json:"agent_trace,omitempty" jsonschema:"how the agent arrived at the payment"`
}

// EvaluateInput is the input schema for risk_evaluate.
type EvaluateInput struct {
	SID         string         `json:"sid" jsonschema:"risk session id,required"`
	TID         string         `json:"tid,omitempty" jsonschema:"trace id from risk_record_trace"`
	Traceparent string         `json:"traceparent" jsonschema:"W3C traceparent of the payment,required"`
	Tracestate  string         `json:"tracestate,omitempty" jsonschema:"url-encoded tracestate"`
	Protocol    string         `json:"protocol,omitempty" jsonschema:"payment protocol or scheme"`
	Network     string         `json:"network,omitempty" jsonschema:"payment network"`
	Payload     map[string]any `json:"payload,omitempty" jsonschema:"protocol payload"`
}

// DecisionOutput is the risk_evaluate result.
type DecisionOutput struct {
	Decision    string   `json:"decision"`
	DecisionID  string   `json:"decision_id"`
	TTLSeconds  int      `json:"ttl_seconds"`
	Reasons     []string `json:"reasons,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	UsedMandate bool     `json:"used_mandate"`
	RiskLevel   string   `json:"risk_level,omitempty"`
}

// BuildHeadersInput is the input schema for build_payment_headers.
type BuildHeadersInput struct {
	TID         string `json:"tid,omitempty" jsonschema:"agent trace id to carry in the tracestate"`
	Traceparent string `json:"traceparent,omitempty" jsonschema:"existing traceparent; a new trace is started when empty"`
	MandateRef  string `json:"mandate_ref,omitempty" jsonschema:"mandate storage key or https URL"`
	MandateHash string `json:"mandate_sha256_b64url,omitempty" jsonschema:"base64url SHA-256 of the mandate bytes"`
	MandateSize int64  `json:"mandate_size,omitempty" jsonschema:"mandate size in bytes"`
}

// BuildHeadersOutput carries ready-to-send request headers.
type BuildHeadersOutput struct {
	PaymentSecure string `json:"x_payment_secure"`
	Evidence      string `json:"x_ap2_evidence,omitempty"`
	Traceparent   string `json:"traceparent"`
}

// NewMCPServer creates an MCP server with the risk tools registered.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "x402-gateway",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "x402 payment gateway. Open a risk session, record the agent trace, " +
				"then build X-PAYMENT-SECURE and X-AP2-EVIDENCE headers for the payment request.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "risk_create_session",
		Description: "Open a risk session for an agent. Returns a sid valid for the session TTL.",
	}, h.mcpCreateSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "risk_record_trace",
		Description: "Record the agent's trace (task, events, model config) against a live session. Returns a tid.",
	}, h.mcpRecordTrace)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "risk_evaluate",
		Description: "Ask for a risk decision on a payment before sending it.",
	}, h.mcpEvaluate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "build_payment_headers",
		Description: "Build X-PAYMENT-SECURE (tid in tracestate) and, for a mandate reference, X-AP2-EVIDENCE.",
	}, h.mcpBuildHeaders)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===

func (h *Handler) mcpCreateSession(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input CreateSessionInput,
) (*mcp.CallToolResult, *risk.SessionResponse, error) {
	resp, err := h.sessions.CreateSession(ctx, &risk.SessionRequest{
		AgentDID: input.AgentDID,
		AppID:    input.AppID,
		Device:   input.Device,
	})
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, resp, nil
}

func (h *Handler) mcpRecordTrace(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RecordTraceInput,
) (*mcp.CallToolResult, *risk.TraceResponse, error) {
	if input.SID == "" {
		return nil, nil, fmt.Errorf("sid is required")
	}
	resp, err := h.sessions.CreateTrace(ctx, &risk.TraceRequest{
		SID:         input.SID,
		Fingerprint: input.Fingerprint,
		Telemetry:   input.Telemetry,
		AgentTrace:  input.AgentTrace,
	})
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, resp, nil
}

func (h *Handler) mcpEvaluate(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input EvaluateInput,
) (*mcp.CallToolResult, *DecisionOutput, error) {
	if input.SID == "" {
		return nil, nil, fmt.Errorf("sid is required")
	}
	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	d, err := h.evaluator.Evaluate(ctx, &risk.EvaluateRequest{
		SID:          input.SID,
		TID:          input.TID,
		TraceContext: risk.TraceContext{TP: input.Traceparent, TS: input.Tracestate},
		Payment: risk.PaymentContext{
			Protocol: input.Protocol,
			Network:  input.Network,
			Payload:  payload,
		},
	})
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	h.metrics.RiskDecision("evaluate", string(d.Decision))

	return nil, &DecisionOutput{
		Decision:    string(d.Decision),
		DecisionID:  d.DecisionID,
		TTLSeconds:  d.TTLSeconds,
		Reasons:     d.Reasons,
		Warnings:    d.Warnings,
		UsedMandate: d.UsedMandate,
		RiskLevel:   string(d.RiskLevel),
	}, nil
}

func (h *Handler) mcpBuildHeaders(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BuildHeadersInput,
) (*mcp.CallToolResult, *BuildHeadersOutput, error) {
	if input.TID != "" {
		if _, err := uuid.Parse(input.TID); err != nil {
			return nil, nil, fmt.Errorf("tid: %v", err)
		}
	}

	tc := headers.NewTraceContext(input.TID)
	if input.Traceparent != "" {
		parsed, err := headers.ParseTraceparent(input.Traceparent)
		if err != nil {
			return nil, nil, h.mcpError(err)
		}
		parsed.TraceState = tc.TraceState
		tc = parsed
	}

	out := &BuildHeadersOutput{
		PaymentSecure: headers.EncodePaymentSecure(tc),
		Traceparent:   tc.Traceparent(),
	}
	if input.MandateRef != "" {
		if input.MandateHash == "" || input.MandateSize <= 0 {
			return nil, nil, fmt.Errorf("mandate_sha256_b64url and mandate_size are required with mandate_ref")
		}
		ev := headers.EncodeEvidence(headers.EvidenceRecord{
			MandateRef:  input.MandateRef,
			ContentHash: input.MandateHash,
			SizeBytes:   input.MandateSize,
		})
		// The gateway must accept what we hand out.
		if _, err := headers.ParseEvidence(ev); err != nil {
			return nil, nil, h.mcpError(err)
		}
		out.Evidence = ev
	}
	if _, err := headers.ParsePaymentSecure(out.PaymentSecure); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, out, nil
}

// mcpError converts domain errors to MCP-friendly errors.
func (h *Handler) mcpError(err error) error {
	apiErr := gateway.MapError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		// Don't leak internal error details
		h.logger.Error("mcp internal error", "error", err.Error())
	}
	return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
}
