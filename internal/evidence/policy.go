package evidence

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Policy is the merchant's AP2 policy from paymentRequirements.extra.ap2
// (or extra["ap2-evidence"]).
type Policy struct {
	RequireIntentMandate  bool     `json:"requireIntentMandate"`
	RequireCartMandate    bool     `json:"requireCartMandate"`
	RequirePaymentMandate bool     `json:"requirePaymentMandate"`
	RequireTrace          bool     `json:"requireTrace"`
	RequireMandate        bool     `json:"requireMandate"`
	AcceptedMerchantIDs   []string `json:"acceptedMerchantIds,omitempty"`
}

// RequiresClaims reports whether the policy cannot be satisfied without claims.
func (p Policy) RequiresClaims() bool {
	return p.RequireIntentMandate || p.RequireCartMandate || p.RequirePaymentMandate || p.RequireTrace
}

// ExtractPolicy reads the AP2 policy from requirement extras. Absent means the zero Policy.
func ExtractPolicy(extra map[string]any) (Policy, error) {
	var p Policy
	raw, ok := extra["ap2"]
	if !ok || raw == nil {
		raw = extra["ap2-evidence"]
	}
	if raw == nil {
		return p, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return p, fail(ErrPolicyViolation, CodePolicyViolation, "invalid AP2 policy: %v", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fail(ErrPolicyViolation, CodePolicyViolation, "invalid AP2 policy: %v", err)
	}
	return p, nil
}

// merchantAccepted reports whether any did:web id names the resource host,
// with or without its port.
func merchantAccepted(ids []string, resource string) bool {
	u, err := url.Parse(resource)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	bare := strings.ToLower(u.Hostname())
	for _, id := range ids {
		rest, ok := strings.CutPrefix(id, "did:web:")
		if !ok {
			continue
		}
		// did:web percent-encodes the port separator.
		if unescaped, err := url.PathUnescape(rest); err == nil {
			rest = unescaped
		}
		rest = strings.ToLower(rest)
		if rest == host || rest == bare {
			return true
		}
	}
	return false
}
