// Package cache is the cache-aside read path for observation payloads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = time.Hour
	KeyPrefix  = "observation:"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Fetcher loads a payload from blob storage by object key.
type Fetcher func(ctx context.Context, key string) ([]byte, error)

type Option func(*ObservationCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *ObservationCache) {
		c.ttl = ttl
	}
}

// ObservationCache caches payloads under the blob key of their location, so a
// change of endpoint or bucket URL style does not fragment the cache.
// A nil redis client disables caching.
type ObservationCache struct {
	client  redisClient
	locator blob.Locator
	ttl     time.Duration
	logger  *slog.Logger
}

func New(client redisClient, locator blob.Locator, logger *slog.Logger, opts ...Option) *ObservationCache {
	c := &ObservationCache{
		client:  client,
		locator: locator,
		ttl:     DefaultTTL,
		logger:  logger.With("module", "observation_cache"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the payload stored at location. Cache failures are logged and
// never fail the read.
func (c *ObservationCache) Get(ctx context.Context, location string, fetch Fetcher) ([]byte, error) {
	key, err := c.locator.Key(location)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob key: %w", err)
	}

	cacheKey := KeyPrefix + key

	if c.client != nil {
		cached, err := c.client.Get(ctx, cacheKey).Bytes()

		switch {
		case err == nil && json.Valid(cached):
			return cached, nil
		case err == nil:
			c.logger.WarnContext(ctx, "Discarding undecodable cache entry", "key", cacheKey)
		case !errors.Is(err, redis.Nil):
			c.logger.WarnContext(ctx, "Failed to read observation cache", "key", cacheKey, "error", err)
		}
	}

	data, err := fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		if err := c.client.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "Failed to cache observation data", "key", cacheKey, "error", err)
		}
	}

	return data, nil
}

// Invalidate drops the cached payload of location.
func (c *ObservationCache) Invalidate(ctx context.Context, location string) error {
	if c.client == nil {
		return nil
	}

	key, err := c.locator.Key(location)
	if err != nil {
		return fmt.Errorf("failed to resolve blob key: %w", err)
	}

	if err := c.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %q: %w", key, err)
	}

	return nil
}
