package common_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/common"
)

func TestWriteErrorUsesAppErrorFields(t *testing.T) {
	rec := httptest.NewRecorder()
	err := common.NewAppError("VALIDATION_FAILED", "invalid form", http.StatusUnprocessableEntity, nil).
		WithDetails(map[string]string{"email": "required"})
	common.WriteError(rec, err)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body common.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "VALIDATION_FAILED", body.Error.Code)
	require.Equal(t, map[string]any{"email": "required"}, body.Error.Details)
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, errors.New("pg: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	var dst map[string]any
	err := common.DecodeJSON(req, &dst)

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "BAD_JSON", appErr.Code)
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestIdemRejectsConcurrentDuplicate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	idem := common.Idem{R: rdb, TTL: time.Minute}
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.Header.Set(common.IdempotencyHeader, "abc")
		handler.ServeHTTP(first, req)
		close(done)
	}()
	<-entered

	dup := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.Header.Set(common.IdempotencyHeader, "abc")
	handler.ServeHTTP(dup, req)
	require.Equal(t, http.StatusConflict, dup.Code)
	require.Contains(t, dup.Body.String(), "IDEMPOTENT_IN_FLIGHT")

	close(release)
	<-done
	require.Equal(t, http.StatusCreated, first.Code)
	require.Empty(t, mr.Keys(), "lock must be released once the request completes")
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	require.Equal(t, "10.0.0.1", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", common.ClientIP(req))
}
