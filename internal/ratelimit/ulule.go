package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow adapts a ulule limiter, which counts requests per fixed period
// in Redis.
type FixedWindow struct {
	Limiter *limiter.Limiter
}

// NewFixedWindow builds a limiter from a formatted rate such as "10-M".
func NewFixedWindow(rdb *redis.Client, prefix, rate string) (FixedWindow, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return FixedWindow{Limiter: limiter.New(store, parsed)}, nil
}

// Allow implements Limiter.
func (f FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	lctx, err := f.Limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		ResetAt:   time.Unix(lctx.Reset, 0),
	}, nil
}
