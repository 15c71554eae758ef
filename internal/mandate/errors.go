// Package mandate resolves, fetches and integrity-checks AP2 mandate documents
// referenced by the X-AP2-EVIDENCE header, and stores uploaded mandates.
package mandate

import (
	"errors"
)

// Fetch and integrity failures.
var (
	ErrInvalidKey           = errors.New("invalid mandate key")
	ErrNotFound             = errors.New("mandate not found")
	ErrFetchBlocked         = errors.New("mandate fetch blocked")
	ErrFetchTimeout         = errors.New("mandate fetch timed out")
	ErrFetchFailed          = errors.New("mandate fetch failed")
	ErrUnsupportedMediaType = errors.New("unsupported mandate media type")
	ErrPayloadTooLarge      = errors.New("mandate payload too large")
	ErrHashMismatch         = errors.New("mandate hash mismatch")
	ErrSizeMismatch         = errors.New("mandate size mismatch")
	ErrInvalidJSON          = errors.New("mandate is not valid JSON")
)

// Warning codes reported when a mandate is unusable but not mandatory.
const (
	WarnHashMismatch         = "hash_mismatch"
	WarnUnsupportedMediaType = "unsupported_media_type"
	WarnFetchTimeout         = "fetch_timeout"
	WarnPayloadTooLarge      = "payload_too_large"
	WarnNotFound             = "mandate_not_found"
	WarnFetchFailed          = "fetch_failed"
	WarnSizeMismatch         = "size_mismatch"
)

// WarningFor maps a failure to its warning code.
func WarningFor(err error) string {
	switch {
	case errors.Is(err, ErrHashMismatch):
		return WarnHashMismatch
	case errors.Is(err, ErrUnsupportedMediaType):
		return WarnUnsupportedMediaType
	case errors.Is(err, ErrFetchTimeout):
		return WarnFetchTimeout
	case errors.Is(err, ErrPayloadTooLarge):
		return WarnPayloadTooLarge
	case errors.Is(err, ErrNotFound):
		return WarnNotFound
	case errors.Is(err, ErrSizeMismatch):
		return WarnSizeMismatch
	default:
		return WarnFetchFailed
	}
}
