package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-resto/internal/common"
)

// CookieName is the cookie carrying the session token for browser clients.
const CookieName = "resto_session"

// Middleware resolves the guest session of a request.
type Middleware struct {
	Service *Service
	Cookie  string
}

// Require rejects requests without a valid session token with 401 and stores
// the session id on the context otherwise.
func (m Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Service == nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "session service not configured", nil)
			return
		}
		token := m.token(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session required", nil)
			return
		}
		sessionID, err := m.Service.Parse(token)
		if err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.WriteError(w, appErr)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token", nil)
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("resto.session_id", sessionID))
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("session_id", sessionID)
		})
		next.ServeHTTP(w, r.WithContext(common.WithSessionID(r.Context(), sessionID)))
	})
}

func (m Middleware) token(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	name := m.Cookie
	if name == "" {
		name = CookieName
	}
	if cookie, err := r.Cookie(name); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
