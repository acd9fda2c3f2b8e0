package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be taken within MaxWait.
var ErrNotAcquired = errors.New("lock: not acquired")

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// Locker provides a Redis-backed distributed lock. Cart mutations for one
// session are serialised through it so that API replicas apply them one at a
// time. Contended acquires poll with jittered exponential waits starting at
// RetryBackoff.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
	MaxWait      time.Duration
}

// WithLock executes fn while holding a lock for the provided key. The lock is
// released automatically even if fn returns an error. When the lock cannot be
// acquired before the context is cancelled or MaxWait elapses an error is returned.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	minWait := l.RetryBackoff
	if minWait <= 0 {
		minWait = 25 * time.Millisecond
	}
	retry := backoff.Backoff{Min: minWait, Max: 8 * minWait, Factor: 1.5, Jitter: true}
	var deadline time.Time
	if l.MaxWait > 0 {
		deadline = time.Now().Add(l.MaxWait)
	}
	key = l.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			defer l.release(context.WithoutCancel(ctx), key, token)
			return fn(ctx)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("lock %s: %w", key, ErrNotAcquired)
		}
		timer := time.NewTimer(retry.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := releaseScript.Run(ctx, l.R, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
