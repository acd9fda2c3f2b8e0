package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCSRFMiddlewareBlocksMissingToken(t *testing.T) {
	csrf := CSRF{Header: "X-CSRF-Token"}
	handler := csrf.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestCSRFMiddlewareAllowsValidToken(t *testing.T) {
	csrf := CSRF{Header: "X-CSRF-Token"}
	handler := csrf.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	token := "secure-token"
	req.Header.Set("X-CSRF-Token", token)
	req.AddCookie(&http.Cookie{Name: "X-CSRF-Token", Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestCSRFMiddlewareSkipsBearer(t *testing.T) {
	csrf := CSRF{Header: "X-CSRF-Token"}
	handler := csrf.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for bearer request, got %d", rr.Code)
	}
}

func TestCSRFMiddlewareSkipsRequestsWithoutSessionCookie(t *testing.T) {
	csrf := CSRF{Header: "X-CSRF-Token", Cookie: "resto_csrf", SessionCookie: "resto_session"}
	handler := csrf.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 without session cookie, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", nil)
	req.AddCookie(&http.Cookie{Name: "resto_session", Value: "tok"})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cookie session without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", nil)
	req.AddCookie(&http.Cookie{Name: "resto_session", Value: "tok"})
	req.AddCookie(&http.Cookie{Name: "resto_csrf", Value: "abc"})
	req.Header.Set("X-CSRF-Token", "abc")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 with matching token, got %d", rr.Code)
	}
}
