package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-resto/internal/common"
)

// Handler exposes the public menu endpoints.
type Handler struct {
	provider Provider
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Provider Provider
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{provider: cfg.Provider}
}

// Menu handles GET /api/v1/menu.
func (h *Handler) Menu(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog not configured", nil)
		return
	}
	items, err := h.provider.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if category := r.URL.Query().Get("category"); category != "" {
		filtered := make([]Item, 0, len(items))
		for _, it := range items {
			if it.Category == category {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Item handles GET /api/v1/menu/{itemId}.
func (h *Handler) Item(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog not configured", nil)
		return
	}
	item, err := h.provider.Get(r.Context(), chi.URLParam(r, "itemId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": item})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "menu item not found", nil)
		return
	}
	common.JSONError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", "menu is temporarily unavailable", nil)
}
