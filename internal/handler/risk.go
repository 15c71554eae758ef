package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"x402-gateway/internal/model"
	"x402-gateway/internal/risk"
)

// handleCreateSession opens a risk session.
// POST /risk/session
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req risk.SessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.sessions.CreateSession(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleCreateTrace records an agent trace against a session.
// POST /risk/trace
func (h *Handler) handleCreateTrace(w http.ResponseWriter, r *http.Request) {
	var req risk.TraceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SID == "" {
		h.writeError(w, r, model.NewValidationError("sid", "required"))
		return
	}

	resp, err := h.sessions.CreateTrace(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleEvaluate returns a risk decision for a payment.
// POST /risk/evaluate
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req risk.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SID == "" {
		h.writeError(w, r, model.NewValidationError("sid", "required"))
		return
	}
	if req.Payment.Payload == nil {
		req.Payment.Payload = map[string]any{}
	}

	d, err := h.evaluator.Evaluate(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.RiskDecision("evaluate", string(d.Decision))
	h.logger.InfoContext(r.Context(), "risk evaluate",
		slog.String("sid", req.SID),
		slog.String("decision", string(d.Decision)),
		slog.String("decision_id", d.DecisionID),
		slog.Bool("mandate", req.Mandate != nil),
	)
	h.writeJSON(w, http.StatusOK, d)
}

// handleGetSession returns a stored session.
// GET /risk/session/{sid}
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, err := uuid.Parse(sid); err != nil {
		h.writeError(w, r, risk.ErrUnknownSession)
		return
	}

	sess, err := h.sessions.GetSession(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// handleGetTrace returns a stored trace.
// GET /risk/trace/{tid}
func (h *Handler) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "tid")
	if _, err := uuid.Parse(tid); err != nil {
		h.writeError(w, r, risk.ErrUnknownTrace)
		return
	}

	trace, err := h.sessions.GetTrace(r.Context(), tid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trace)
}
