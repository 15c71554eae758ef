// Package headers decodes and encodes the x402 gateway's custom request headers.
//
// X-PAYMENT-SECURE carries a W3C trace context:
//
//	w3c.v1;tp=00-<32hex>-<16hex>-<2hex>[;ts=<url-encoded tracestate>]
//
// X-AP2-EVIDENCE references a mandate document:
//
//	evd.v1;mr=<key or https URL>;ms=<b64url sha256>;mt=application/json;sz=<bytes>
//
// Decoding is a tagged union per header: each known version is its own variant and
// an unknown version decodes to an explicit Unsupported variant.
package headers

import (
	"github.com/google/uuid"
)

// Header names.
const (
	HeaderPaymentSecure = "X-PAYMENT-SECURE"
	HeaderEvidence      = "X-AP2-EVIDENCE"
	HeaderRiskSession   = "X-RISK-SESSION"
	HeaderRiskTrace     = "X-RISK-TRACE"
	HeaderPayment       = "X-PAYMENT"
)

// Version tags and limits.
const (
	PaymentSecureV1Tag  = "w3c.v1"
	EvidenceV1Tag       = "evd.v1"
	MaxPaymentSecureLen = 4096
	MaxEvidenceLen      = 2048
	MandateMimeType     = "application/json"
)

// ParseRiskSession validates X-RISK-SESSION and returns the canonical sid.
func ParseRiskSession(value string) (string, error) {
	if value == "" {
		return "", malformed(HeaderRiskSession, "%s required", HeaderRiskSession)
	}
	return parseRiskUUID(HeaderRiskSession, value)
}

// ParseRiskTrace validates the optional X-RISK-TRACE. Empty means absent.
func ParseRiskTrace(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return parseRiskUUID(HeaderRiskTrace, value)
}

func parseRiskUUID(header, value string) (string, error) {
	u, err := uuid.Parse(value)
	if err != nil {
		return "", malformed(header, "invalid: %v", err)
	}
	if v := u.Version(); v != 1 && v != 4 {
		return "", malformed(header, "must be UUID v1 or v4")
	}
	return u.String(), nil
}
