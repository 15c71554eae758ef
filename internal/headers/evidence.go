package headers

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Evidence is the decoded X-AP2-EVIDENCE header.
// Exactly one of EvidenceV1 or UnsupportedEvidence.
type Evidence interface {
	evidence()
}

// EvidenceV1 is the "evd.v1" variant.
type EvidenceV1 struct {
	Record EvidenceRecord
}

// UnsupportedEvidence carries a version tag this gateway does not speak.
type UnsupportedEvidence struct {
	Tag string
}

func (EvidenceV1) evidence()          {}
func (UnsupportedEvidence) evidence() {}

// Err returns the UnsupportedVersion error for this variant.
func (u UnsupportedEvidence) Err() error {
	return &HeaderError{
		Header: HeaderEvidence,
		Kind:   ErrUnsupportedVersion,
		Reason: describeTag(u.Tag, EvidenceV1Tag),
	}
}

// EvidenceRecord references a mandate document and pins its content.
type EvidenceRecord struct {
	Version     string
	MandateRef  string
	ContentHash string // base64url SHA-256 of the raw bytes
	MimeType    string
	SizeBytes   int64
}

// IsURL reports whether the mandate reference is an https URL rather than a storage key.
func (r EvidenceRecord) IsURL() bool {
	return strings.HasPrefix(r.MandateRef, "https://")
}

var evidenceKeys = map[string]bool{"mr": true, "ms": true, "mt": true, "sz": true}

// DecodeEvidence decodes X-AP2-EVIDENCE into its tagged variant.
func DecodeEvidence(value string) (Evidence, error) {
	if len(value) > MaxEvidenceLen {
		return nil, tooLarge(HeaderEvidence, len(value), MaxEvidenceLen)
	}
	tag, kv, err := splitSegments(HeaderEvidence, value)
	if err != nil {
		return nil, err
	}
	if tag != EvidenceV1Tag {
		if strings.Contains(tag, "=") {
			tag = ""
		}
		return UnsupportedEvidence{Tag: tag}, nil
	}

	for k := range kv {
		if !evidenceKeys[k] {
			return nil, malformed(HeaderEvidence, "unknown key %q", k)
		}
	}
	for _, k := range []string{"mr", "ms", "mt", "sz"} {
		if kv[k] == "" {
			return nil, malformed(HeaderEvidence, "missing required evidence key %q", k)
		}
	}
	if !validContentHash(kv["ms"]) {
		return nil, malformed(HeaderEvidence, "ms must be a base64url SHA-256 digest")
	}
	if kv["mt"] != MandateMimeType {
		return nil, malformed(HeaderEvidence, "mt must be %s", MandateMimeType)
	}
	size, err := parseDecimal(kv["sz"])
	if err != nil {
		return nil, malformed(HeaderEvidence, "sz must be decimal size")
	}
	if err := validateMandateRef(kv["mr"]); err != nil {
		return nil, err
	}

	return EvidenceV1{Record: EvidenceRecord{
		Version:     EvidenceV1Tag,
		MandateRef:  kv["mr"],
		ContentHash: kv["ms"],
		MimeType:    kv["mt"],
		SizeBytes:   size,
	}}, nil
}

// validContentHash accepts the 43-character unpadded base64url encoding of a
// 32-byte digest, with or without its single "=" pad.
func validContentHash(ms string) bool {
	ms = strings.TrimSuffix(ms, "=")
	if len(ms) != 43 {
		return false
	}
	sum, err := base64.RawURLEncoding.Strict().DecodeString(ms)
	return err == nil && len(sum) == sha256.Size
}

// ParseEvidence decodes X-AP2-EVIDENCE and requires the v1 variant.
func ParseEvidence(value string) (EvidenceRecord, error) {
	decoded, err := DecodeEvidence(value)
	if err != nil {
		return EvidenceRecord{}, err
	}
	switch h := decoded.(type) {
	case EvidenceV1:
		return h.Record, nil
	case UnsupportedEvidence:
		return EvidenceRecord{}, h.Err()
	default:
		return EvidenceRecord{}, malformed(HeaderEvidence, "unknown variant %T", decoded)
	}
}

// EncodeEvidence builds the canonical v1 header for a record.
func EncodeEvidence(r EvidenceRecord) string {
	mt := r.MimeType
	if mt == "" {
		mt = MandateMimeType
	}
	return fmt.Sprintf("%s;mr=%s;ms=%s;mt=%s;sz=%d", EvidenceV1Tag, r.MandateRef, r.ContentHash, mt, r.SizeBytes)
}

func parseDecimal(s string) (int64, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("non-digit in %q", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// === Mandate references ===

var mandateSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ParseMandateKey splits "mandates/{merchantId}/{mandateId}.json".
func ParseMandateKey(key string) (merchantID, mandateID string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != "mandates" || !strings.HasSuffix(parts[2], ".json") {
		return "", "", malformed(HeaderEvidence, "mandate key must be mandates/{merchantId}/{mandateId}.json")
	}
	merchantID = parts[1]
	mandateID = strings.TrimSuffix(parts[2], ".json")
	if !mandateSegment.MatchString(merchantID) || !mandateSegment.MatchString(mandateID) {
		return "", "", malformed(HeaderEvidence, "mandate key has invalid segment")
	}
	return merchantID, mandateID, nil
}

// MandateKey builds the storage key for a mandate.
func MandateKey(merchantID, mandateID string) string {
	return "mandates/" + merchantID + "/" + mandateID + ".json"
}

func validateMandateRef(ref string) error {
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return malformed(HeaderEvidence, "mr is not a valid URL")
		}
		if u.Scheme != "https" {
			return malformed(HeaderEvidence, "mr URL scheme must be https")
		}
		if u.Host == "" || u.User != nil {
			return malformed(HeaderEvidence, "mr URL must have a host and no userinfo")
		}
		return nil
	}
	_, _, err := ParseMandateKey(ref)
	return err
}
