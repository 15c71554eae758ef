// Package handler provides HTTP handlers for the x402 gateway API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"x402-gateway/internal/gateway"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/middleware"
	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
	"x402-gateway/internal/telemetry"
)

// Config holds the handler's collaborators.
type Config struct {
	Gateway   *gateway.Gateway
	Sessions  risk.Sessions
	Evaluator risk.Evaluator
	Mandates  *mandate.Service

	// SessionLimiter throttles POST /risk/session per client IP. Nil disables it.
	SessionLimiter *middleware.RateLimiter
	Metrics        *telemetry.Metrics
	DebugEnabled   bool
	DebugEvents    int // audit events listed by /x402/debug
	Logger         *slog.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gateway      *gateway.Gateway
	sessions     risk.Sessions
	evaluator    risk.Evaluator
	mandates     *mandate.Service
	limiter      *middleware.RateLimiter
	metrics      *telemetry.Metrics
	debugEnabled bool
	debugEvents  int
	logger       *slog.Logger
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionLimiter == nil {
		cfg.SessionLimiter = middleware.NewRateLimiter(0, 0)
	}
	if cfg.Mandates == nil {
		cfg.Mandates = mandate.NewService(mandate.ServiceConfig{Logger: cfg.Logger})
	}
	return &Handler{
		gateway:      cfg.Gateway,
		sessions:     cfg.Sessions,
		evaluator:    cfg.Evaluator,
		mandates:     cfg.Mandates,
		limiter:      cfg.SessionLimiter,
		metrics:      cfg.Metrics,
		debugEnabled: cfg.DebugEnabled,
		debugEvents:  cfg.DebugEvents,
		logger:       cfg.Logger,
	}
}

// Routes returns the gateway's router. Request ids, logging and panic
// recovery are applied around it by the caller.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Metrics(h.metrics))

	r.Route("/risk", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, h.metrics)).Post("/session", h.handleCreateSession)
		r.Post("/trace", h.handleCreateTrace)
		r.Post("/evaluate", h.handleEvaluate)
		r.Get("/session/{sid}", h.handleGetSession)
		r.Get("/trace/{tid}", h.handleGetTrace)
	})

	r.Route("/x402", func(r chi.Router) {
		r.Post("/verify", h.handleVerify)
		r.Post("/settle", h.handleSettle)
		r.Get("/debug", h.handleDebug)
	})

	r.Post("/mandates", h.handleUploadMandate)

	// MCP transport - JSON-RPC endpoint using official MCP SDK
	r.Handle("/mcp", h.NewMCPHandler())

	r.Get("/health", h.handleHealth)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, model.NewNotFoundError("route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, model.NewError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil))
	})
	return r
}

// handleHealth returns a simple health check response.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends the error envelope. Domain errors are mapped to an
// APIError first; anything unmapped becomes a 500 without internal detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := gateway.MapError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetRequestID(r.Context())),
		)
	}

	h.writeJSON(w, apiErr.StatusCode, errorResponse{
		Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Reasons: apiErr.Reasons,
		},
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

// MaxRequestBodySize limits JSON request bodies to 1MB to prevent DoS.
const MaxRequestBodySize = 1 << 20 // 1MB

// decodeJSON reads JSON from request body into v.
// Limits body size to MaxRequestBodySize to prevent memory exhaustion.
// Returns an APIError if decoding fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewPayloadTooLargeError("BODY_TOO_LARGE", "request body")
		}
		// Don't expose internal error details to client
		return model.NewValidationError("body", "invalid JSON")
	}
	return nil
}
