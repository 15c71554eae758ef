package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common cases.
// Use errors.Is() to check against these.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDenied              = errors.New("denied")
	ErrUpstreamError       = errors.New("upstream error")
	ErrUnavailable         = errors.New("service unavailable")
	ErrRateLimited         = errors.New("rate limited")
	ErrTooLarge            = errors.New("payload too large")
	ErrUnsupportedMedia    = errors.New("unsupported media type")
	ErrNotImplemented      = errors.New("not implemented")
	ErrUnprocessableEntity = errors.New("unprocessable entity")
)

// Error codes surfaced in the error envelope.
const (
	CodeTraceHeaderInvalid        = "TRACE_HEADER_INVALID"
	CodeTraceHeaderUnsupported    = "TRACE_HEADER_UNSUPPORTED"
	CodeEvidenceHeaderInvalid     = "EVIDENCE_HEADER_INVALID"
	CodeEvidenceHeaderUnsupported = "EVIDENCE_HEADER_UNSUPPORTED"
	CodeRiskSessionInvalid        = "RISK_SESSION_INVALID"
	CodeRiskTraceInvalid          = "RISK_TRACE_INVALID"
	CodeHeaderTooLarge            = "HEADER_TOO_LARGE"
	CodeRiskDenied                = "RISK_DENIED"
	CodeRiskUnavailable           = "RISK_UNAVAILABLE"
	CodeRiskEngineError           = "RISK_ENGINE_ERROR"
	CodeMandateFetchBlocked       = "MANDATE_FETCH_BLOCKED"
	CodeMandateUnusable           = "MANDATE_UNUSABLE"
	CodeMandateUnavailable        = "MANDATE_UNAVAILABLE"
	CodeUpstreamUnavailable       = "UPSTREAM_UNAVAILABLE"
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Reasons    []string `json:"reasons,omitempty"`
	StatusCode int      `json:"-"` // HTTP status, not serialized
	Err        error    `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewError creates an error with an explicit status and code.
// Used where a domain error maps to a specific wire code.
func NewError(status int, code, message string, err error) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: status,
		Err:        err,
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewValidationError creates a 400 error for invalid input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidRequest,
	}
}

// NewUnprocessableError creates a 422 error for well-formed input that fails a check.
func NewUnprocessableError(code, message string, err error) *APIError {
	if err == nil {
		err = ErrUnprocessableEntity
	}
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: 422,
		Err:        err,
	}
}

// NewDeniedError creates a 403 error for a risk denial.
// The reasons are echoed to the caller.
func NewDeniedError(reasons []string) *APIError {
	msg := "Risk denied"
	if len(reasons) > 0 {
		msg = "Risk denied: " + strings.Join(reasons, ",")
	}
	return &APIError{
		Code:       CodeRiskDenied,
		Message:    msg,
		Reasons:    reasons,
		StatusCode: 403,
		Err:        ErrDenied,
	}
}

// NewUpstreamError creates a 502 error for backend failures.
func NewUpstreamError(service string, err error) *APIError {
	return &APIError{
		Code:       "UPSTREAM_ERROR",
		Message:    fmt.Sprintf("%s request failed", service),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %v", ErrUpstreamError, err),
	}
}

// NewUnavailableError creates a 503 error when a dependency cannot be reached.
func NewUnavailableError(code, service string, err error) *APIError {
	return &APIError{
		Code:       code,
		Message:    fmt.Sprintf("%s unavailable", service),
		StatusCode: 503,
		Err:        fmt.Errorf("%w: %v", ErrUnavailable, err),
	}
}

// NewPayloadTooLargeError creates a 413 error.
func NewPayloadTooLargeError(code, what string) *APIError {
	return &APIError{
		Code:       code,
		Message:    fmt.Sprintf("%s too large", what),
		StatusCode: 413,
		Err:        ErrTooLarge,
	}
}

// NewUnsupportedMediaTypeError creates a 415 error.
func NewUnsupportedMediaTypeError(got string) *APIError {
	return &APIError{
		Code:       "UNSUPPORTED_MEDIA_TYPE",
		Message:    fmt.Sprintf("unsupported content type %q, want application/json", got),
		StatusCode: 415,
		Err:        ErrUnsupportedMedia,
	}
}

// NewNotImplementedError creates a 501 error.
func NewNotImplementedError(what string) *APIError {
	return &APIError{
		Code:       "NOT_IMPLEMENTED",
		Message:    fmt.Sprintf("%s not supported in this mode", what),
		StatusCode: 501,
		Err:        ErrNotImplemented,
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}

// NewRateLimitError creates a 429 error for rate limiting.
func NewRateLimitError(service string) *APIError {
	return &APIError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("%s rate limit exceeded, please retry later", service),
		StatusCode: 429,
		Err:        ErrRateLimited,
	}
}
