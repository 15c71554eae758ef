// Package evidence validates AP2 evidence claims against the payment requirements,
// the request origin and the payment itself, and enforces the merchant's AP2 policy.
package evidence

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds. Every *Error unwraps to exactly one of these.
var (
	ErrEvidenceMissing  = errors.New("AP2 evidence missing")
	ErrEvidenceInvalid  = errors.New("AP2 evidence invalid")
	ErrEvidenceMismatch = errors.New("AP2 evidence does not match requirements")
	ErrEvidenceExpired  = errors.New("AP2 evidence outside validity window")
	ErrOriginMismatch   = errors.New("AP2 origin mismatch")
	ErrPaymentMismatch  = errors.New("AP2 payment hash mismatch")
	ErrSignatureInvalid = errors.New("AP2 signature invalid")
	ErrPolicyViolation  = errors.New("AP2 policy violation")
)

// Error codes surfaced in API error bodies.
const (
	CodeEvidenceMissing   = "AP2_EVIDENCE_MISSING"
	CodeEvidenceInvalid   = "AP2_EVIDENCE_INVALID"
	CodeResourceMismatch  = "AP2_RESOURCE_MISMATCH"
	CodeNetworkMismatch   = "AP2_NETWORK_MISMATCH"
	CodePayToMismatch     = "AP2_PAYTO_MISMATCH"
	CodeAssetMismatch     = "AP2_ASSET_MISMATCH"
	CodeTTLNotBefore      = "AP2_TTL_NOT_BEFORE"
	CodeTTLExpired        = "AP2_TTL_EXPIRED"
	CodeOriginMismatch    = "AP2_ORIGIN_MISMATCH"
	CodePaymentMismatch   = "AP2_PAYMENT_HASH_MISMATCH"
	CodeSigInvalid        = "AP2_SIG_INVALID"
	CodeSigPayerMismatch  = "AP2_SIG_PAYER_MISMATCH"
	CodeChainUnsupported  = "AP2_CHAIN_UNSUPPORTED"
	CodePolicyViolation   = "AP2_POLICY_VIOLATION"
	CodeMerchantDenied    = "AP2_MERCHANT_DENIED"
	CodeAmountExceeded    = "AP2_AMOUNT_EXCEEDED"
)

// Error is a single failed check.
type Error struct {
	Kind   error
	Code   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// StatusCode is 400 for undecodable claims and 422 for everything else.
func (e *Error) StatusCode() int {
	if errors.Is(e.Kind, ErrEvidenceInvalid) {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func fail(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}
