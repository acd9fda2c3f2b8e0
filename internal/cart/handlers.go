package cart

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-resto/internal/common"
)

// Handler wires the session cart to HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Get handles GET /api/v1/cart.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.Svc.State(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// AddItem handles POST /api/v1/cart/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	var req AddRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid cart item", validationDetails(err))
			return
		}
	}
	st, err := h.Svc.AddCatalogItem(r.Context(), sessionID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// UpdateItem handles PATCH /api/v1/cart/items/{lineKey}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	key, err := lineKeyParam(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid line key", nil)
		return
	}
	var req struct {
		Quantity *int `json:"quantity"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if req.Quantity == nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "quantity is required", map[string]string{"quantity": "required"})
		return
	}
	st, err := h.Svc.UpdateQuantity(r.Context(), sessionID, key, *req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// RemoveItem handles DELETE /api/v1/cart/items/{lineKey}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	key, err := lineKeyParam(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid line key", nil)
		return
	}
	st, err := h.Svc.Remove(r.Context(), sessionID, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// Clear handles DELETE /api/v1/cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.Svc.Clear(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// SetOrderType handles PUT /api/v1/cart/order-type.
func (h *Handler) SetOrderType(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		OrderType string `json:"orderType"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	st, err := h.Svc.SetOrderType(r.Context(), sessionID, req.OrderType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return "", false
	}
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session required", nil)
		return "", false
	}
	return sessionID, true
}

func lineKeyParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "lineKey"))
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart line not found", nil)
	case errors.Is(err, ErrOutOfStock):
		common.JSONError(w, http.StatusConflict, "OUT_OF_STOCK", err.Error(), nil)
	case errors.Is(err, ErrCatalogUnavailable):
		common.JSONError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", "menu is temporarily unavailable", nil)
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_CART_ITEM", err.Error(), nil)
	default:
		common.WriteError(w, err)
	}
}
