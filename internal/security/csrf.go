package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-resto/internal/common"
)

// CSRF protects cookie-authenticated requests using the double-submit
// technique. Requests carrying neither the session cookie nor any ambient
// credential, such as bearer-token or server-to-server order calls, pass.
type CSRF struct {
	Header        string
	Cookie        string
	SessionCookie string
}

// Middleware enforces that non-idempotent requests include a CSRF token header
// matching the token cookie.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	headerName := strings.TrimSpace(c.Header)
	if headerName == "" {
		headerName = "X-CSRF-Token"
	}
	cookieName := strings.TrimSpace(c.Cookie)
	if cookieName == "" {
		cookieName = headerName
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions || method == http.MethodTrace {
			next.ServeHTTP(w, r)
			return
		}

		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		if c.SessionCookie != "" {
			if _, err := r.Cookie(c.SessionCookie); err != nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		token := strings.TrimSpace(r.Header.Get(headerName))
		if token == "" {
			common.JSONError(w, http.StatusForbidden, "CSRF_FAILED", "missing csrf token", nil)
			return
		}

		cookie, err := r.Cookie(cookieName)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			common.JSONError(w, http.StatusForbidden, "CSRF_FAILED", "missing csrf cookie", nil)
			return
		}

		if subtleConstantTimeCompare(token, cookie.Value) != 1 {
			common.JSONError(w, http.StatusForbidden, "CSRF_FAILED", "invalid csrf token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func subtleConstantTimeCompare(a, b string) int {
	if len(a) != len(b) {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b))
}
