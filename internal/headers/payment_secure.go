package headers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// PaymentSecure is the decoded X-PAYMENT-SECURE header.
// Exactly one of PaymentSecureV1 or UnsupportedPaymentSecure.
type PaymentSecure interface {
	paymentSecure()
}

// PaymentSecureV1 is the "w3c.v1" variant.
type PaymentSecureV1 struct {
	Trace TraceContext
}

// UnsupportedPaymentSecure carries a version tag this gateway does not speak.
type UnsupportedPaymentSecure struct {
	Tag string
}

func (PaymentSecureV1) paymentSecure()          {}
func (UnsupportedPaymentSecure) paymentSecure() {}

// Err returns the UnsupportedVersion error for this variant.
func (u UnsupportedPaymentSecure) Err() error {
	return &HeaderError{
		Header: HeaderPaymentSecure,
		Kind:   ErrUnsupportedVersion,
		Reason: describeTag(u.Tag, PaymentSecureV1Tag),
	}
}

// TraceContext is a W3C trace context plus the raw, still url-encoded tracestate.
type TraceContext struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
	Flags   trace.TraceFlags

	// TraceState is the "ts" segment exactly as received (url-encoded).
	TraceState string
}

// Traceparent renders the W3C traceparent string.
func (tc TraceContext) Traceparent() string {
	return "00-" + tc.TraceID.String() + "-" + tc.SpanID.String() + "-" + hex.EncodeToString([]byte{byte(tc.Flags)})
}

// SpanContext returns the context as a remote parent for local spans.
func (tc TraceContext) SpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tc.TraceID,
		SpanID:     tc.SpanID,
		TraceFlags: tc.Flags,
		Remote:     true,
	})
}

// DecodedTraceState returns the url-decoded tracestate.
func (tc TraceContext) DecodedTraceState() (string, error) {
	return url.QueryUnescape(tc.TraceState)
}

// AgentTraceID extracts the agent trace id carried in the tracestate.
// The buyer SDK encodes it as urlencode(base64(JSON{"tid": ...})).
// Returns "" when the tracestate is absent or not in that shape.
func (tc TraceContext) AgentTraceID() string {
	if tc.TraceState == "" {
		return ""
	}
	decoded, err := tc.DecodedTraceState()
	if err != nil {
		return ""
	}
	raw, err := DecodeBase64(decoded)
	if err != nil {
		return ""
	}
	var body struct {
		TID string `json:"tid"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.TID
}

// NewAgentTraceState builds the "ts" value carrying an agent trace id.
func NewAgentTraceState(tid string) string {
	raw, _ := json.Marshal(struct {
		TID string `json:"tid"`
	}{TID: tid})
	return url.QueryEscape(base64.StdEncoding.EncodeToString(raw))
}

// DecodePaymentSecure decodes X-PAYMENT-SECURE into its tagged variant.
// An unrecognized tag is not an error at this layer; it yields UnsupportedPaymentSecure.
func DecodePaymentSecure(value string) (PaymentSecure, error) {
	if len(value) > MaxPaymentSecureLen {
		return nil, tooLarge(HeaderPaymentSecure, len(value), MaxPaymentSecureLen)
	}
	tag, kv, err := splitSegments(HeaderPaymentSecure, value)
	if err != nil {
		return nil, err
	}
	if tag != PaymentSecureV1Tag {
		if strings.Contains(tag, "=") {
			tag = ""
		}
		return UnsupportedPaymentSecure{Tag: tag}, nil
	}

	tp, ok := kv["tp"]
	if !ok {
		return nil, malformed(HeaderPaymentSecure, "traceparent (tp) required")
	}
	tc, err := ParseTraceparent(tp)
	if err != nil {
		return nil, err
	}
	tc.TraceState = kv["ts"]
	return PaymentSecureV1{Trace: tc}, nil
}

// ParsePaymentSecure decodes X-PAYMENT-SECURE and requires the v1 variant.
func ParsePaymentSecure(value string) (TraceContext, error) {
	decoded, err := DecodePaymentSecure(value)
	if err != nil {
		return TraceContext{}, err
	}
	switch h := decoded.(type) {
	case PaymentSecureV1:
		return h.Trace, nil
	case UnsupportedPaymentSecure:
		return TraceContext{}, h.Err()
	default:
		return TraceContext{}, malformed(HeaderPaymentSecure, "unknown variant %T", decoded)
	}
}

// NewTraceContext starts a fresh sampled trace with random ids. A non-empty
// tid is carried in the tracestate.
func NewTraceContext(tid string) TraceContext {
	var tc TraceContext
	for !tc.TraceID.IsValid() {
		_, _ = rand.Read(tc.TraceID[:])
	}
	for !tc.SpanID.IsValid() {
		_, _ = rand.Read(tc.SpanID[:])
	}
	tc.Flags = trace.FlagsSampled
	if tid != "" {
		tc.TraceState = NewAgentTraceState(tid)
	}
	return tc
}

// EncodePaymentSecure builds the canonical v1 header for a trace context.
func EncodePaymentSecure(tc TraceContext) string {
	var b strings.Builder
	b.WriteString(PaymentSecureV1Tag)
	b.WriteString(";tp=")
	b.WriteString(tc.Traceparent())
	if tc.TraceState != "" {
		b.WriteString(";ts=")
		b.WriteString(tc.TraceState)
	}
	return b.String()
}

// ParseTraceparent validates "00-<32hex>-<16hex>-<2hex>" with non-zero ids.
// Hex must be lowercase.
func ParseTraceparent(tp string) (TraceContext, error) {
	parts := strings.Split(tp, "-")
	if len(parts) != 4 {
		return TraceContext{}, malformed(HeaderPaymentSecure, "traceparent format invalid")
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" {
		return TraceContext{}, malformed(HeaderPaymentSecure, "traceparent version must be 00")
	}
	if len(traceID) != 32 || !isLowerHex(traceID) {
		return TraceContext{}, malformed(HeaderPaymentSecure, "trace_id invalid")
	}
	if len(spanID) != 16 || !isLowerHex(spanID) {
		return TraceContext{}, malformed(HeaderPaymentSecure, "span_id invalid")
	}
	if len(flags) != 2 || !isLowerHex(flags) {
		return TraceContext{}, malformed(HeaderPaymentSecure, "flags invalid")
	}

	// The otel parsers reject all-zero ids.
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return TraceContext{}, malformed(HeaderPaymentSecure, "trace_id cannot be all zeros")
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return TraceContext{}, malformed(HeaderPaymentSecure, "span_id cannot be all zeros")
	}
	fb, _ := hex.DecodeString(flags)

	return TraceContext{TraceID: tid, SpanID: sid, Flags: trace.TraceFlags(fb[0])}, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DecodeBase64 accepts standard or URL alphabets, padded or not.
// x402 clients are inconsistent about both.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
