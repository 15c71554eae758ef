package gateway

import (
	"errors"
	"net/http"

	"x402-gateway/internal/evidence"
	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
)

// Codes for risk store and evaluator failures.
const (
	CodeRiskSessionUnknown = "RISK_SESSION_UNKNOWN"
	CodeRiskTraceUnknown   = "RISK_TRACE_UNKNOWN"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeMandateTooLarge    = "MANDATE_TOO_LARGE"
)

// MapError converts a domain error from any pipeline stage into an APIError.
// Errors that already are APIErrors pass through unchanged.
func MapError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var hdrErr *headers.HeaderError
	if errors.As(err, &hdrErr) {
		return mapHeaderError(hdrErr)
	}

	var evErr *evidence.Error
	if errors.As(err, &evErr) {
		return model.NewError(evErr.StatusCode(), evErr.Code, evErr.Reason, err)
	}

	var engineErr *risk.EngineError
	if errors.As(err, &engineErr) {
		return model.NewError(engineErr.StatusCode, model.CodeRiskEngineError, engineErr.Body, err)
	}

	var statusErr *facilitator.StatusError
	if errors.As(err, &statusErr) {
		return model.NewError(statusErr.StatusCode, CodeUpstreamError, statusErr.Body, err)
	}

	switch {
	case errors.Is(err, risk.ErrUnknownSession):
		return model.NewError(http.StatusNotFound, CodeRiskSessionUnknown, "unknown sid", err)
	case errors.Is(err, risk.ErrUnknownTrace):
		return model.NewError(http.StatusNotFound, CodeRiskTraceUnknown, "unknown tid", err)
	case errors.Is(err, risk.ErrSessionTraceMismatch):
		return model.NewError(http.StatusBadRequest, model.CodeRiskTraceInvalid, "tid does not belong to sid", err)
	case errors.Is(err, risk.ErrUnsupportedTraceVersion):
		return model.NewError(http.StatusUnprocessableEntity, model.CodeTraceHeaderUnsupported, "unsupported trace context", err)
	case errors.Is(err, risk.ErrInvalidInput):
		return model.NewError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), err)
	case errors.Is(err, risk.ErrRiskUnavailable):
		return model.NewUnavailableError(model.CodeRiskUnavailable, "risk engine", err)
	case errors.Is(err, risk.ErrInvalidResponse):
		return model.NewUpstreamError("risk engine", err)
	case errors.Is(err, risk.ErrNotImplemented):
		return model.NewNotImplementedError("lookup")

	case errors.Is(err, mandate.ErrFetchBlocked):
		return model.NewError(http.StatusBadRequest, model.CodeMandateFetchBlocked, "mandate URL not allowed", err)
	case errors.Is(err, mandate.ErrFetchTimeout), errors.Is(err, mandate.ErrFetchFailed):
		return model.NewUnavailableError(model.CodeMandateUnavailable, "mandate", err)
	case errors.Is(err, mandate.ErrPayloadTooLarge):
		return model.NewPayloadTooLargeError(CodeMandateTooLarge, "mandate")
	case errors.Is(err, mandate.ErrInvalidJSON):
		return model.NewValidationError("body", "mandate is not valid JSON")
	case errors.Is(err, mandate.ErrInvalidKey):
		return model.NewValidationError("mandate reference", err.Error())
	case errors.Is(err, mandate.ErrNotFound), errors.Is(err, mandate.ErrHashMismatch),
		errors.Is(err, mandate.ErrSizeMismatch), errors.Is(err, mandate.ErrUnsupportedMediaType):
		return model.NewError(http.StatusUnprocessableEntity, model.CodeMandateUnusable, err.Error(), err)

	case errors.Is(err, facilitator.ErrUnavailable):
		return model.NewUnavailableError(model.CodeUpstreamUnavailable, "facilitator", err)
	case errors.Is(err, facilitator.ErrUpstream):
		return model.NewUpstreamError("facilitator", err)
	}
	return model.NewInternalError(err)
}

func mapHeaderError(e *headers.HeaderError) *model.APIError {
	switch {
	case errors.Is(e, headers.ErrHeaderTooLarge):
		apiErr := model.NewPayloadTooLargeError(model.CodeHeaderTooLarge, e.Header)
		apiErr.Message = e.Error()
		return apiErr
	case errors.Is(e, headers.ErrUnsupportedVersion):
		code := model.CodeTraceHeaderUnsupported
		if e.Header == headers.HeaderEvidence {
			code = model.CodeEvidenceHeaderUnsupported
		}
		return model.NewError(http.StatusUnprocessableEntity, code, e.Error(), e)
	}

	code := "VALIDATION_ERROR"
	switch e.Header {
	case headers.HeaderPaymentSecure:
		code = model.CodeTraceHeaderInvalid
	case headers.HeaderEvidence:
		code = model.CodeEvidenceHeaderInvalid
	case headers.HeaderRiskSession:
		code = model.CodeRiskSessionInvalid
	case headers.HeaderRiskTrace:
		code = model.CodeRiskTraceInvalid
	}
	return model.NewError(http.StatusBadRequest, code, e.Error(), e)
}
