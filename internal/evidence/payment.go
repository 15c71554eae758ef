package evidence

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"

	"x402-gateway/internal/headers"
)

// PaymentHash is keccak256 of the decoded X-PAYMENT header when present, otherwise
// keccak256 of the base64 of the canonical (RFC 8785) payment payload JSON.
func PaymentHash(paymentHeader string, payload json.RawMessage) ([32]byte, error) {
	var out [32]byte
	if paymentHeader != "" {
		decoded, err := headers.DecodeBase64(paymentHeader)
		if err != nil {
			return out, fmt.Errorf("X-PAYMENT is not base64")
		}
		copy(out[:], crypto.Keccak256(decoded))
		return out, nil
	}
	if len(payload) == 0 {
		return out, fmt.Errorf("no payment payload")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return out, fmt.Errorf("canonicalize payment payload: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString(canonical)
	copy(out[:], crypto.Keccak256([]byte(b64)))
	return out, nil
}

// OriginHash is sha256 of the trimmed, lowercased origin.
func OriginHash(origin string) [32]byte {
	return sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(origin))))
}

// ResourceOrigin derives scheme://host from a resource URL, defaulting to https.
func ResourceOrigin(resource string) string {
	u, err := url.Parse(resource)
	if err != nil {
		return ""
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

var payerPaths = [][]string{
	{"payload", "authorization", "from"},
	{"payload", "from"},
	{"authorization", "from"},
	{"from"},
	{"payer"},
}

// ExtractPayer finds the paying address in an x402 payment payload.
func ExtractPayer(payload json.RawMessage) string {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	for _, path := range payerPaths {
		if s, ok := lookupString(doc, path); ok {
			return s
		}
	}
	return ""
}

// AuthorizationValue returns payload.authorization.value as a string, if any.
func AuthorizationValue(payload json.RawMessage) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", false
	}
	node, ok := lookup(doc, []string{"payload", "authorization", "value"})
	if !ok {
		return "", false
	}
	switch v := node.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(doc map[string]any, path []string) (string, bool) {
	v, ok := lookup(doc, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
