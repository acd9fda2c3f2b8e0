package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/obs"
)

func TestHTTPObsLabelsByMatchedRoute(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("resto", []float64{1, 10}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/menu/{itemId}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	})

	for _, id := range []string{"burger", "fries"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/menu/"+id, nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	}

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/api/v1/menu/{itemId}", "404")))
	require.Equal(t, 1, testutil.CollectAndCount(metrics.ReqDur))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))

	// Registering again hands back the same collectors.
	again := obs.NewHTTPMetrics("resto", nil, registry)
	require.Same(t, metrics.ReqTotal, again.ReqTotal)
}

func TestRequestLoggerCarriesDownstreamFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Post("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("session_id", "sess-1")
		})
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "/api/v1/orders", line["route"])
	require.EqualValues(t, 409, line["status"])
	require.Equal(t, "sess-1", line["session_id"])
	require.Equal(t, "key-1", line["idempotency_key"])
	require.Equal(t, "http_request", line["message"])
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 25, 100}, obs.ParseBucketsCSV("100, 5,x,-1,25,5"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}

func TestNewLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewLogger(obs.LogConfig{Level: "debug", Component: "worker", Env: "test", Out: &buf})
	logger.Debug().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "worker", line["component"])
	require.Equal(t, "test", line["env"])
}
