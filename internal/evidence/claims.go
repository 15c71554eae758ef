package evidence

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"x402-gateway/internal/headers"
)

// Claims is the signed AP2 evidence object carried as base64 JSON, either in the
// ap2EvidenceHeader body field or the X-AP2-EVIDENCE-CLAIMS header.
type Claims struct {
	V           int    `json:"v"`
	PaymentHash string `json:"paymentHash"`
	Resource    string `json:"resource"`
	OriginHash  string `json:"originHash"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	PayTo       string `json:"payTo"`
	IntentUID   string `json:"intent_uid,omitempty"`
	CartUID     string `json:"cart_uid,omitempty"`
	PaymentUID  string `json:"payment_uid,omitempty"`
	TraceUID    string `json:"trace_uid,omitempty"`

	// Validity window in unix seconds. Zero means unbounded.
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Exp       string `json:"exp,omitempty"` // ISO-8601 alternative to notAfter

	Sig string `json:"sig,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// DecodeClaims parses base64 (std or url alphabet, padding optional) JSON claims.
func DecodeClaims(raw string) (*Claims, error) {
	data, err := headers.DecodeBase64(raw)
	if err != nil {
		return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "claims are not base64")
	}
	var c Claims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "claims are not a JSON object: %v", err)
	}
	if c.V != 1 {
		return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "unsupported claims version %d", c.V)
	}
	for name, v := range map[string]string{
		"paymentHash": c.PaymentHash,
		"resource":    c.Resource,
		"originHash":  c.OriginHash,
		"network":     c.Network,
		"payTo":       c.PayTo,
	} {
		if v == "" {
			return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "%s is required", name)
		}
	}
	if _, err := bytes32(c.PaymentHash); err != nil {
		return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "paymentHash: %v", err)
	}
	if _, err := bytes32(c.OriginHash); err != nil {
		return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "originHash: %v", err)
	}
	if c.Exp != "" {
		if _, err := parseExp(c.Exp); err != nil {
			return nil, fail(ErrEvidenceInvalid, CodeEvidenceInvalid, "exp: %v", err)
		}
	}
	return &c, nil
}

// EncodeClaims returns the standard base64 of the claims JSON.
func EncodeClaims(c *Claims) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// bytes32 decodes a hex string (0x optional) left-padded with zeros to 32 bytes.
func bytes32(s string) ([32]byte, error) {
	var out [32]byte
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h) > 64 {
		return out, fmt.Errorf("longer than 32 bytes")
	}
	h = strings.Repeat("0", 64-len(h)) + h
	if _, err := hex.Decode(out[:], []byte(h)); err != nil {
		return out, fmt.Errorf("not hex")
	}
	return out, nil
}

func hex32(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}

func parseExp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Zone-less timestamps are read as UTC.
	return time.Parse("2006-01-02T15:04:05", s)
}
