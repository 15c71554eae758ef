package risk

import (
	"encoding/json"
	"time"
)

// Outcome is the verdict of an evaluation.
type Outcome string

const (
	Allow  Outcome = "allow"
	Deny   Outcome = "deny"
	Review Outcome = "review"
)

func (o Outcome) valid() bool {
	return o == Allow || o == Deny || o == Review
}

// Level grades the risk behind an outcome.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// DefaultDecisionTTL is how long a decision may be reused by the caller.
const DefaultDecisionTTL = 300

// Agent trace event types.
var EventTypes = []string{
	"user_input",
	"agent_output",
	"reasoning_summary",
	"function_call",
	"tool_call",
	"tool_result",
	"response.created",
	"response.completed",
	"system_prompt",
}

// === Sessions ===

// SessionRequest opens a risk session for an agent.
type SessionRequest struct {
	AgentDID string         `json:"agent_did"`
	AppID    string         `json:"app_id,omitempty"`
	Device   map[string]any `json:"device,omitempty"`
}

// SessionResponse carries the new sid and its expiry (ISO-8601, UTC, "Z").
type SessionResponse struct {
	SID       string `json:"sid"`
	ExpiresAt string `json:"expires_at"`
}

// Session is a stored risk session.
type Session struct {
	SID        string         `json:"sid"`
	AgentDID   string         `json:"agent_did"`
	AppID      string         `json:"app_id,omitempty"`
	Device     map[string]any `json:"device,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	TraceCount int            `json:"trace_count"`
}

// === Traces ===

// Event is one agent trace event. Only "type" is interpreted.
type Event map[string]any

// Type returns the event type, or "unknown".
func (e Event) Type() string {
	if t, ok := e["type"].(string); ok {
		return t
	}
	return "unknown"
}

// AgentTrace is the agent-side record of how a payment came about.
type AgentTrace struct {
	Task           string         `json:"task"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Environment    map[string]any `json:"environment,omitempty"`
	Events         []Event        `json:"events"`
	ModelConfig    map[string]any `json:"model_config,omitempty"`
	SessionContext map[string]any `json:"session_context,omitempty"`
	CompletedAt    string         `json:"completed_at,omitempty"`
}

// EventSummary counts events by type.
func (a *AgentTrace) EventSummary() map[string]int {
	out := make(map[string]int)
	if a == nil {
		return out
	}
	for _, e := range a.Events {
		out[e.Type()]++
	}
	return out
}

// TraceRequest records an agent trace against a live session.
type TraceRequest struct {
	SID         string         `json:"sid"`
	Fingerprint map[string]any `json:"fingerprint,omitempty"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
	AgentTrace  *AgentTrace    `json:"agent_trace,omitempty"`

	// doc is the request as received, flat trace fields nested under
	// agent_trace. Schema validation runs against it so omitted fields stay
	// omitted.
	doc map[string]any
}

// agentTraceKeys are the AgentTrace fields accepted at the top level.
var agentTraceKeys = []string{"task", "parameters", "environment", "events", "model_config", "session_context", "completed_at"}

// UnmarshalJSON also accepts the flat form, where the agent trace fields sit
// next to sid instead of under agent_trace.
func (r *TraceRequest) UnmarshalJSON(data []byte) error {
	type plain TraceRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	flat := false
	if p.AgentTrace == nil {
		var top struct {
			Task   *string         `json:"task"`
			Events json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(data, &top); err == nil && (top.Task != nil || top.Events != nil) {
			var at AgentTrace
			if err := json.Unmarshal(data, &at); err != nil {
				return err
			}
			p.AgentTrace = &at
			flat = true
		}
	}
	*r = TraceRequest(p)

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil
	}
	if flat {
		nested := make(map[string]any)
		for _, k := range agentTraceKeys {
			if v, ok := doc[k]; ok {
				nested[k] = v
				delete(doc, k)
			}
		}
		doc["agent_trace"] = nested
	}
	r.doc = doc
	return nil
}

// TraceResponse carries the new tid.
type TraceResponse struct {
	TID string `json:"tid"`
}

// Trace is a stored, immutable agent trace.
type Trace struct {
	TID         string         `json:"tid"`
	SID         string         `json:"sid"`
	Fingerprint map[string]any `json:"fingerprint,omitempty"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
	AgentTrace  *AgentTrace    `json:"agent_trace,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// === Evaluation ===

// TraceContext is the W3C trace context of the payment request.
type TraceContext struct {
	TP string `json:"tp"`
	TS string `json:"ts,omitempty"`
}

// PaymentContext describes the payment independent of protocol.
type PaymentContext struct {
	Protocol string            `json:"protocol"`
	Version  json.RawMessage   `json:"version,omitempty"`
	Network  string            `json:"network,omitempty"`
	Payload  map[string]any    `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

// MandateMeta describes the mandate behind a payment and what the gateway
// established about it.
type MandateMeta struct {
	Ref          string   `json:"ref"`
	SHA256B64URL string   `json:"sha256_b64url"`
	Mime         string   `json:"mime"`
	Size         int64    `json:"size"`
	Verified     bool     `json:"verified"`
	Required     bool     `json:"required"`
	Warnings     []string `json:"warnings,omitempty"`
}

// EvaluateRequest asks for a risk decision on a payment.
type EvaluateRequest struct {
	SID          string         `json:"sid"`
	TID          string         `json:"tid,omitempty"`
	TraceContext TraceContext   `json:"trace_context"`
	Payment      PaymentContext `json:"payment"`
	Mandate      *MandateMeta   `json:"mandate,omitempty"`
}

// Decision is the answer to an EvaluateRequest. Every evaluation gets a fresh DecisionID.
type Decision struct {
	Decision    Outcome        `json:"decision"`
	Reasons     []string       `json:"reasons"`
	DecisionID  string         `json:"decision_id"`
	TTLSeconds  int            `json:"ttl_seconds"`
	UsedMandate bool           `json:"used_mandate"`
	Warnings    []string       `json:"warnings"`
	RiskLevel   Level          `json:"risk_level"`
	Extra       map[string]any `json:"extra"`
}

// === Copies ===

// clone returns a copy of s that shares no maps with it.
func (s *Session) clone() *Session {
	cp := *s
	cp.Device = cloneMap(s.Device)
	return &cp
}

// clone returns a copy of t that shares no maps, slices or pointers with it.
func (t *Trace) clone() *Trace {
	cp := *t
	cp.Fingerprint = cloneMap(t.Fingerprint)
	cp.Telemetry = cloneMap(t.Telemetry)
	if t.AgentTrace != nil {
		at := *t.AgentTrace
		at.Parameters = cloneMap(at.Parameters)
		at.Environment = cloneMap(at.Environment)
		at.ModelConfig = cloneMap(at.ModelConfig)
		at.SessionContext = cloneMap(at.SessionContext)
		if at.Events != nil {
			at.Events = make([]Event, len(t.AgentTrace.Events))
			for i, e := range t.AgentTrace.Events {
				at.Events[i] = Event(cloneMap(e))
			}
		}
		cp.AgentTrace = &at
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON-shaped containers inside v.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Event:
		return Event(cloneMap(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
