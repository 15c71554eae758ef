package headers

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func nonZero(b []uint8) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

// Property: decode(encode(tp)) == tp for every valid traceparent.
func TestTraceparentRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("traceparent decode-then-encode is byte-exact", prop.ForAll(
		func(traceID, spanID []uint8, flags uint8) bool {
			if !nonZero(traceID) || !nonZero(spanID) {
				return true
			}
			tp := "00-" + hex.EncodeToString(traceID) + "-" + hex.EncodeToString(spanID) + "-" + hex.EncodeToString([]byte{flags})
			hdr := PaymentSecureV1Tag + ";tp=" + tp

			tc, err := ParsePaymentSecure(hdr)
			if err != nil {
				return false
			}
			return tc.Traceparent() == tp && EncodePaymentSecure(tc) == hdr
		},
		gen.SliceOfN(16, gen.UInt8()),
		gen.SliceOfN(8, gen.UInt8()),
		gen.UInt8(),
	))

	properties.Property("agent trace id survives tracestate encoding", prop.ForAll(
		func(tid string) bool {
			tc := TraceContext{TraceID: [16]byte{9}, SpanID: [8]byte{9}, TraceState: NewAgentTraceState(tid)}
			parsed, err := ParsePaymentSecure(EncodePaymentSecure(tc))
			if err != nil {
				return false
			}
			return parsed.AgentTraceID() == tid
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: a v1 evidence header is rejected whenever any required key is dropped.
func TestEvidenceMissingKeyRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	segments := []string{"mr=mandates/m1/a1.json", "ms=n4bQgYhMfWWaL-qgxVrQFaO_TxsrC4Is0V1sFbDwCgg", "mt=application/json", "sz=10"}
	if _, err := ParseEvidence(EvidenceV1Tag + ";" + strings.Join(segments, ";")); err != nil {
		t.Fatalf("complete header rejected: %v", err)
	}

	properties.Property("dropping any of mr/ms/mt/sz fails", prop.ForAll(
		func(drop int) bool {
			hdr := EvidenceV1Tag
			for i, s := range segments {
				if i != drop {
					hdr += ";" + s
				}
			}
			_, err := ParseEvidence(hdr)
			return err != nil
		},
		gen.IntRange(0, len(segments)-1),
	))

	properties.TestingRun(t)
}
