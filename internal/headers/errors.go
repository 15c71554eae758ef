package headers

import (
	"errors"
	"fmt"
)

// Error kinds. Every decode failure unwraps to exactly one of these.
var (
	ErrMalformedHeader    = errors.New("malformed header")
	ErrUnsupportedVersion = errors.New("unsupported header version")
	ErrHeaderTooLarge     = errors.New("header too large")
)

// HeaderError reports which header failed and why.
type HeaderError struct {
	Header string
	Kind   error
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Header, e.Reason)
}

func (e *HeaderError) Unwrap() error {
	return e.Kind
}

func malformed(header, format string, args ...any) error {
	return &HeaderError{Header: header, Kind: ErrMalformedHeader, Reason: fmt.Sprintf(format, args...)}
}

func tooLarge(header string, n, limit int) error {
	return &HeaderError{
		Header: header,
		Kind:   ErrHeaderTooLarge,
		Reason: fmt.Sprintf("%d bytes exceeds limit of %d", n, limit),
	}
}
