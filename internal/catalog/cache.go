package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/obs"
)

const menuCacheKey = "catalog:menu"

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" || c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Cached is a read-through cache around another Provider. Cache failures
// degrade to direct upstream reads.
type Cached struct {
	Upstream Provider
	Cache    *Cache
	Logger   zerolog.Logger
}

// List implements Provider.
func (c *Cached) List(ctx context.Context) ([]Item, error) {
	if c == nil || c.Upstream == nil {
		return nil, errors.New("catalog upstream not configured")
	}
	var items []Item
	hit, err := c.Cache.GetJSON(ctx, menuCacheKey, &items)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("menu cache read failed")
	}
	if hit {
		obs.CatalogFetchTotal.WithLabelValues("cache", "hit").Inc()
		return items, nil
	}
	items, err = c.Upstream.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.SetJSON(ctx, menuCacheKey, items); err != nil {
		c.Logger.Warn().Err(err).Msg("menu cache write failed")
	}
	return items, nil
}

// Get implements Provider.
func (c *Cached) Get(ctx context.Context, id string) (Item, error) {
	items, err := c.List(ctx)
	if err != nil {
		return Item{}, err
	}
	return findItem(items, id)
}

// Invalidate drops the cached menu so the next read goes upstream.
func (c *Cached) Invalidate(ctx context.Context) error {
	if c == nil || c.Cache == nil || c.Cache.client == nil {
		return nil
	}
	return c.Cache.client.Del(ctx, menuCacheKey).Err()
}
