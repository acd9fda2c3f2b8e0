package security_test

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/security"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestHeadersOnTLS(t *testing.T) {
	handler := security.Headers{Enable: true, EnableHSTS: true, HSTSIncludeSubdomains: true}.Middleware(ok)

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/api/v1/cart", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	require.Equal(t, "max-age=31536000; includeSubDomains", rr.Header().Get("Strict-Transport-Security"))
}

func TestHeadersBehindTLSProxy(t *testing.T) {
	handler := security.Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600}.Middleware(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/menu", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Strict-Transport-Security"))

	req.Header.Set("X-Forwarded-Proto", "https")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, "max-age=600", rr.Header().Get("Strict-Transport-Security"))
}

func TestHeadersDisabled(t *testing.T) {
	rr := httptest.NewRecorder()
	security.Headers{EnableHSTS: true}.Middleware(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, rr.Header().Get("X-Content-Type-Options"))
}
