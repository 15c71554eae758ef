package evidence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultChainIDs maps x402 network names to EIP-155 chain ids.
func DefaultChainIDs() map[string]int64 {
	return map[string]int64{
		"base":         8453,
		"base-sepolia": 84532,
	}
}

// ParseChainMap extends the defaults with a JSON object ({"base":8453}) or a
// "name:id,name:id" list. Empty input returns the defaults.
func ParseChainMap(raw string) (map[string]int64, error) {
	out := DefaultChainIDs()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}

	if strings.HasPrefix(raw, "{") {
		var parsed map[string]int64
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("parse chain map JSON: %w", err)
		}
		for k, v := range parsed {
			out[k] = v
		}
		return out, nil
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, id, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("chain map entry %q: want name:id", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("chain map entry %q: invalid chain id", part)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}
