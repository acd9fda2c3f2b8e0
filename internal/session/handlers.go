package session

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-resto/internal/common"
)

// CSRFCookieName holds the double-submit token browsers echo in X-CSRF-Token.
const CSRFCookieName = "resto_csrf"

// Handler exposes session issuance.
type Handler struct {
	Service        *Service
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
}

// Create handles POST /api/v1/session. A caller presenting a still valid
// token gets it renewed for the same session, so the cart survives.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "session service not configured", nil)
		return
	}
	sessionID := ""
	if existing := (Middleware{}).token(r); existing != "" {
		if id, err := h.Service.Parse(existing); err == nil {
			sessionID = id
		}
	}
	tok, err := h.Service.Issue(sessionID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not issue session", nil)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok.Token,
		Path:     "/",
		Domain:   h.CookieDomain,
		Expires:  tok.ExpiresAt,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: h.CookieSameSite,
	})
	csrf := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrf,
		Path:     "/",
		Domain:   h.CookieDomain,
		Expires:  tok.ExpiresAt,
		Secure:   h.CookieSecure,
		SameSite: h.CookieSameSite,
	})
	w.Header().Set("X-CSRF-Token", csrf)
	status := http.StatusCreated
	if sessionID != "" {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{"data": tok})
}
