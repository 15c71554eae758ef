package model

import (
	"math/big"
	"strings"
)

// ParseAmount converts an x402 atomic-unit amount to an integer.
// x402 amounts are decimal strings in the asset's smallest unit (e.g. "10000" = 0.01 USDC).
// Accepts an optional "0x" prefix for hex amounts seen in EIP-3009 authorizations.
// Returns false for empty, negative, fractional or otherwise malformed input.
func ParseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, false
	}
	return n, true
}

// AmountWithin reports whether value <= max.
// Both must parse; an unparseable side is reported as not within.
func AmountWithin(value, max string) bool {
	v, ok := ParseAmount(value)
	if !ok {
		return false
	}
	m, ok := ParseAmount(max)
	if !ok {
		return false
	}
	return v.Cmp(m) <= 0
}
