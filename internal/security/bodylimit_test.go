package security_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/security"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(data)
	})
}

func TestBodyLimitPassesSmallPayload(t *testing.T) {
	handler := security.BodyLimit{Max: 64}.Middleware(echoBody(t))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(`{"itemId":"fries"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, `{"itemId":"fries"}`, rr.Body.String())
}

func TestBodyLimitRejectsOversizedPayload(t *testing.T) {
	handler := security.BodyLimit{Max: 8}.Middleware(echoBody(t))

	for name, req := range map[string]*http.Request{
		"streamed": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"items":[1,2,3]}`))
			req.ContentLength = -1
			return req
		}(),
		"declared": httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"items":[1,2,3]}`)),
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

			var body struct {
				Error struct {
					Code    string           `json:"code"`
					Details map[string]int64 `json:"details"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, "PAYLOAD_TOO_LARGE", body.Error.Code)
			require.EqualValues(t, 8, body.Error.Details["maxBytes"])
		})
	}
}

func TestBodyLimitDisabled(t *testing.T) {
	handler := security.BodyLimit{}.Middleware(echoBody(t))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 1<<10))))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rr.Body.String(), 1<<10)
}
