package checkout

import (
	"errors"
	"net/http"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/order"
)

// Handler exposes the checkout flow of the caller's session.
//
// Outcomes the flow handles itself, a payment widget error or a failed
// submission, are answered with 200 and the resulting view; the view carries
// the customer-facing error.
type Handler struct {
	Svc *Service
}

// Enter handles POST /api/v1/checkout.
func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	view, err := seq.Enter(r.Context())
	h.respond(w, view, err)
}

// Get handles GET /api/v1/checkout.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": seq.View()})
}

// Abandon handles DELETE /api/v1/checkout.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	if err := seq.Abandon(r.Context()); err != nil {
		h.respond(w, seq.View(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectOrderType handles PUT /api/v1/checkout/order-type.
func (h *Handler) SelectOrderType(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req struct {
		OrderType order.OrderType `json:"orderType"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	view, err := seq.SelectOrderType(r.Context(), req.OrderType)
	h.respond(w, view, err)
}

// ContinueToPayment handles POST /api/v1/checkout/info.
func (h *Handler) ContinueToPayment(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	var info Info
	if err := common.DecodeJSON(r, &info); err != nil {
		common.WriteError(w, err)
		return
	}
	view, err := seq.ContinueToPayment(r.Context(), info)
	h.respond(w, view, err)
}

// BackToInfo handles POST /api/v1/checkout/back-to-info.
func (h *Handler) BackToInfo(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	view, err := seq.BackToInfo(r.Context())
	h.respond(w, view, err)
}

// Payment handles POST /api/v1/checkout/payment.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	var result PaymentResult
	if err := common.DecodeJSON(r, &result); err != nil {
		common.WriteError(w, err)
		return
	}
	view, err := seq.ReceivePayment(r.Context(), result)
	h.respond(w, view, err)
}

// Retry handles POST /api/v1/checkout/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	view, err := seq.Retry(r.Context())
	h.respond(w, view, err)
}

// BackToPayment handles POST /api/v1/checkout/back-to-payment.
func (h *Handler) BackToPayment(w http.ResponseWriter, r *http.Request) {
	seq, ok := h.flow(w, r)
	if !ok {
		return
	}
	view, err := seq.ReturnToPayment(r.Context())
	h.respond(w, view, err)
}

func (h *Handler) flow(w http.ResponseWriter, r *http.Request) (*Sequencer, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout not configured", nil)
		return nil, false
	}
	sessionID, ok := common.SessionID(r.Context())
	if !ok || sessionID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session required", nil)
		return nil, false
	}
	return h.Svc.For(sessionID), true
}

func (h *Handler) respond(w http.ResponseWriter, view View, err error) {
	var (
		verr   *ValidationError
		perr   *PaymentError
		subErr *order.SubmissionError
	)
	switch {
	case err == nil, errors.As(err, &perr), errors.As(err, &subErr):
		common.JSON(w, http.StatusOK, map[string]any{"data": view})
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid checkout details", map[string]any{"fields": verr.Fields})
	case errors.Is(err, ErrBusy):
		common.JSONError(w, http.StatusConflict, "CHECKOUT_BUSY", "an order is already being submitted", nil)
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, "CART_EMPTY", "cart is empty", map[string]any{"redirect": view.Redirect})
	case errors.Is(err, ErrIllegalTransition):
		common.JSONError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error(), map[string]any{"state": view.State})
	default:
		common.JSONError(w, http.StatusServiceUnavailable, "CART_UNAVAILABLE", "cart could not be read", nil)
	}
}
