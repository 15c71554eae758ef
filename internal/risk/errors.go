// Package risk holds risk sessions and agent traces, and produces payment risk
// decisions either locally or through an external risk engine.
package risk

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput            = errors.New("invalid risk input")
	ErrUnknownSession          = errors.New("unknown sid")
	ErrUnknownTrace            = errors.New("unknown tid")
	ErrSessionTraceMismatch    = errors.New("tid not linked to sid")
	ErrUnsupportedTraceVersion = errors.New("unsupported trace context")
	ErrRiskUnavailable         = errors.New("risk engine unavailable")
	ErrInvalidResponse         = errors.New("invalid response from risk engine")
	ErrNotImplemented          = errors.New("not available in remote mode")
)

// EngineError is a non-200 answer from the external risk engine. Its status is
// passed through to the caller.
type EngineError struct {
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("risk engine returned %d: %s", e.StatusCode, e.Body)
}
