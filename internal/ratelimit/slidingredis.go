package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims entries older than the window and records the request
// only when the window still has room, so rejected calls do not extend the
// block. Scores are unix milliseconds. It returns whether the call was
// recorded, the count after the call and the oldest score.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {allowed, count, first}
`)

// SlidingWindow limits events per key over a rolling window kept in a Redis
// sorted set. It guards guest session minting, where a fixed window would let
// a client burst twice the limit across a boundary.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
}

// Allow implements Limiter.
func (l SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	if l.Client == nil || l.Max <= 0 || l.Window <= 0 {
		return Decision{Allowed: true, Limit: l.Max, Remaining: l.Max, ResetAt: now}, nil
	}
	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), l.Window.Milliseconds(), l.Max, uuid.NewString()).Slice()
	if err != nil {
		return Decision{Limit: l.Max, ResetAt: now.Add(l.Window)}, err
	}
	if len(res) != 3 {
		return Decision{Limit: l.Max, ResetAt: now.Add(l.Window)}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, ok := res[2].(int64)
	if !ok {
		oldest = now.UnixMilli()
	}
	remaining := l.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Limit:     l.Max,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(oldest).Add(l.Window),
	}, nil
}
