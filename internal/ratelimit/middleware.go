package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/backend-resto/internal/common"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts one request against key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// BySessionOrIP keys requests by guest session, falling back to the client IP.
func BySessionOrIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		if sid, ok := common.SessionID(r.Context()); ok && sid != "" {
			return prefix + "sess:" + sid
		}
		return prefix + "ip:" + common.ClientIP(r)
	}
}

// ByIP keys requests by client IP. It guards endpoints reached before a
// session exists.
func ByIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + "ip:" + common.ClientIP(r)
	}
}

// Middleware implements the http.Handler middleware interface. Limiter
// failures let the request through.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Key == nil || h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Limiter.Allow(r.Context(), h.Key(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		limitValue := d.Limit
		if limitValue < 0 {
			limitValue = 0
		}
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(limitValue))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down", map[string]any{"retryable": true, "charged": false})
			return
		}

		next.ServeHTTP(w, r)
	})
}
