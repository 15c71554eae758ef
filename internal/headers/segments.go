package headers

import (
	"strings"

	"golang.org/x/mod/semver"
)

// splitSegments splits "<tag>;k=v;k=v" into the tag and a key/value map.
// Whitespace around segments is ignored and empty segments are skipped.
// Segments without "=" and repeated keys are malformed.
func splitSegments(header, value string) (string, map[string]string, error) {
	var parts []string
	for _, p := range strings.Split(value, ";") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", nil, malformed(header, "empty value")
	}

	kv := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return "", nil, malformed(header, "segment %q has no '='", p)
		}
		if _, dup := kv[k]; dup {
			return "", nil, malformed(header, "duplicate key %q", k)
		}
		kv[k] = v
	}
	return parts[0], kv, nil
}

// describeTag explains an unrecognized version tag relative to the supported one.
// "w3c.v2" against "w3c.v1" reads "w3c.v2 (newer than supported v1)".
func describeTag(tag, supported string) string {
	if tag == "" {
		return "missing version tag"
	}
	family, version, ok := strings.Cut(tag, ".")
	sFamily, sVersion, _ := strings.Cut(supported, ".")
	if !ok || family != sFamily || !semver.IsValid(version) {
		return "unrecognized version tag " + quoteTag(tag)
	}
	switch semver.Compare(version, sVersion) {
	case 1:
		return quoteTag(tag) + " (newer than supported " + sVersion + ")"
	case -1:
		return quoteTag(tag) + " (older than supported " + sVersion + ")"
	default:
		return "unrecognized version tag " + quoteTag(tag)
	}
}

func quoteTag(tag string) string {
	if len(tag) > 32 {
		tag = tag[:32] + "..."
	}
	return `"` + tag + `"`
}
