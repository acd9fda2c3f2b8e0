package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem guards write endpoints against concurrent duplicates of the same
// Idempotency-Key. The key is held only while the first request is in flight;
// replays after completion are answered by the handler's own store.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

func (i Idem) lockKey(r *http.Request, key string) string {
	scope := r.URL.Path
	if sid, ok := SessionID(r.Context()); ok {
		scope = sid + ":" + scope
	}
	return "idem:" + Sha256Hex([]byte(scope+"|"+key))
}

// Middleware rejects a request with 409 IDEMPOTENT_IN_FLIGHT while another
// request carrying the same key is being processed.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := IdempotencyKey(r)
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		key := i.lockKey(r, header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_IN_FLIGHT", "a request with this idempotency key is still being processed", nil)
			return
		}
		defer func() {
			_ = i.R.Del(context.WithoutCancel(r.Context()), key).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
