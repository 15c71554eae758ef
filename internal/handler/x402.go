package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/gateway"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/model"
)

// handleVerify runs the gateway pipeline and forwards to the facilitator's verify.
// POST /x402/verify
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, facilitator.OpVerify)
}

// handleSettle runs the gateway pipeline and forwards to the facilitator's settle.
// POST /x402/settle
func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, facilitator.OpSettle)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request, op facilitator.Op) {
	var body model.VerifyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	req := gateway.NewRequest(op, r.Header, &body)
	var (
		res *gateway.Result
		err error
	)
	if op == facilitator.OpSettle {
		res, err = h.gateway.Settle(r.Context(), req)
	} else {
		res, err = h.gateway.Verify(r.Context(), req)
	}

	// Risk headers go out on denies as well as forwards.
	res.SetHeaders(w.Header())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if res.Settle != nil {
		h.writeJSON(w, http.StatusOK, res.Settle)
		return
	}
	h.writeJSON(w, http.StatusOK, res.Verify)
}

// handleDebug reports the last upstream exchanges.
// GET /x402/debug
func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !h.debugEnabled {
		h.writeError(w, r, model.NewNotFoundError("debug"))
		return
	}
	info, err := h.gateway.Debug(r.Context(), h.debugEvents)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// merchantHeader names the merchant an uploaded mandate is filed under.
const merchantHeader = "X-Merchant-ID"

// handleUploadMandate stores a raw JSON mandate document.
// POST /mandates
func (h *Handler) handleUploadMandate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != headers.MandateMimeType {
		h.writeError(w, r, model.NewUnsupportedMediaTypeError(ct))
		return
	}

	// One byte over the limit is enough to know the body is too large.
	r.Body = http.MaxBytesReader(w, r.Body, mandate.DefaultMaxBytes+1)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, mandate.ErrPayloadTooLarge)
			return
		}
		h.writeError(w, r, model.NewValidationError("body", "unreadable"))
		return
	}

	merchantID := r.Header.Get(merchantHeader)
	if merchantID == "" {
		merchantID = r.URL.Query().Get("merchant_id")
	}
	if merchantID == "" {
		merchantID = "default"
	}

	res, err := h.mandates.Upload(r.Context(), merchantID, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "mandate uploaded",
		slog.String("merchant_id", merchantID),
		slog.String("mandate_ref", res.MandateRef),
		slog.Int64("size_bytes", res.SizeBytes),
	)
	h.writeJSON(w, http.StatusCreated, res)
}
