// Package model defines data structures for the x402 gateway API.
package model

import (
	"encoding/json"
)

// === Request Types ===

// VerifyRequest is the body of POST /x402/verify and POST /x402/settle.
// PaymentPayload is kept raw so the exact bytes can be hashed and forwarded.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      json.RawMessage     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`

	// Base64 JSON of AP2 evidence claims when not sent as a header.
	AP2EvidenceHeader string `json:"ap2EvidenceHeader,omitempty"`
}

// SettleRequest has the same shape as VerifyRequest.
type SettleRequest = VerifyRequest

// PaymentRequirements describes what the seller accepts for a resource.
// Extra carries scheme-specific data (EIP-712 name/version) and gateway policy (ap2).
type PaymentRequirements struct {
	Scheme            string          `json:"scheme,omitempty"`
	Network           string          `json:"network,omitempty"`
	MaxAmountRequired string          `json:"maxAmountRequired,omitempty"`
	Resource          string          `json:"resource,omitempty"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	PayTo             string          `json:"payTo,omitempty"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds,omitempty"`
	Asset             string          `json:"asset,omitempty"`
	Extra             map[string]any  `json:"extra,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT envelope.
// Only the fields the gateway inspects are typed; Payload stays raw.
type PaymentPayload struct {
	X402Version int             `json:"x402Version,omitempty"`
	Scheme      string          `json:"scheme,omitempty"`
	Network     string          `json:"network,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	Version     json.RawMessage `json:"version,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Sanitized returns a copy of the requirements safe to forward upstream.
// Gateway policy in Extra is dropped; only the EIP-712 domain hints survive.
func (p PaymentRequirements) Sanitized() PaymentRequirements {
	out := p
	out.Extra = nil
	if len(p.Extra) == 0 {
		return out
	}
	kept := make(map[string]any, 2)
	for _, k := range []string{"name", "version"} {
		if v, ok := p.Extra[k]; ok && v != nil {
			kept[k] = v
		}
	}
	if len(kept) > 0 {
		out.Extra = kept
	}
	return out
}

// === Upstream Types ===

// FacilitatorRequest is the protocol-clean body sent to the facilitator.
type FacilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      json.RawMessage     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
	PaymentHeader       string              `json:"paymentHeader,omitempty"`
}

// VerifyResponse is the normalized facilitator verify result.
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	Payer         string  `json:"payer"`
	InvalidReason *string `json:"invalidReason,omitempty"`
}

// SettleResponse is the normalized facilitator settle result.
type SettleResponse struct {
	Success     bool    `json:"success"`
	Payer       string  `json:"payer"`
	Transaction *string `json:"transaction,omitempty"`
	Network     *string `json:"network,omitempty"`
	ErrorReason *string `json:"errorReason,omitempty"`
}
