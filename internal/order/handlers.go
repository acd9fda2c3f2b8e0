package order

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-resto/internal/common"
)

// ReplayedHeader marks a response served from an earlier request with the
// same idempotency key.
const ReplayedHeader = "Idempotent-Replayed"

// Handler exposes the order endpoint. Bodies follow the order wire format
// directly, without a data envelope.
type Handler struct {
	Svc *Service
}

// Create handles POST /api/v1/orders.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	var req Request
	if err := common.DecodeJSON(r, &req); err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			appErr.WithDetails(map[string]any{"charged": false, "retryable": false})
		}
		common.WriteError(w, err)
		return
	}
	sessionID, _ := common.SessionID(r.Context())
	res, err := h.Svc.Submit(r.Context(), sessionID, common.IdempotencyKey(r), req)
	if err != nil {
		if !common.IsAppError(err) {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order could not be placed", map[string]any{"charged": false, "retryable": true})
			return
		}
		common.WriteError(w, err)
		return
	}
	if res.Replayed {
		w.Header().Set(ReplayedHeader, "true")
		common.JSON(w, http.StatusOK, res.Response)
		return
	}
	common.JSON(w, http.StatusCreated, res.Response)
}

// Get handles GET /api/v1/orders/{orderId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	resp, err := h.Svc.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}
