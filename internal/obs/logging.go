package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-resto/internal/common"
)

// LogConfig selects the log output of a process.
type LogConfig struct {
	// Format is json (default) or console.
	Format string
	Level  string
	// Component names the binary, e.g. api or worker.
	Component string
	Env       string
	Out       io.Writer
}

// NewLogger builds the process logger.
func NewLogger(cfg LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.Env != "" {
		ctx = ctx.Str("env", cfg.Env)
	}
	return ctx.Logger()
}

// RequestLogger puts a request-scoped logger on the context and writes one
// access log line per request. Downstream middleware can add fields with
// zerolog.Ctx(ctx).UpdateContext, the session id for instance.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware implements chi middleware for structured request logs.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fields := l.Logger.With().Str("request_id", middleware.GetReqID(r.Context()))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			fields = fields.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if key := common.IdempotencyKey(r); key != "" {
			fields = fields.Str("idempotency_key", key)
		}
		reqLogger := fields.Logger()
		r = r.WithContext(reqLogger.WithContext(r.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		logger := zerolog.Ctx(r.Context())
		var evt *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			evt = logger.Error()
		case status >= http.StatusBadRequest:
			evt = logger.Warn()
		default:
			evt = logger.Info()
		}
		evt.Str("method", r.Method).
			Str("route", routeOf(r, r.URL.Path)).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration_ms", time.Since(start)).
			Int("bytes", ww.BytesWritten()).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("http_request")
	})
}
