// Package cache wraps the external key/value cache used as a side channel
// for published events and as a health-check target.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/errors"
)

// Cache is the narrow interface the subsystem depends on.
type Cache interface {
	// Ping probes cache liveness.
	Ping(ctx context.Context) error

	// PublishEvent pushes a serialized event onto the cache side channel.
	PublishEvent(ctx context.Context, channel string, payload []byte) error

	// Close releases the client.
	Close() error
}

// RedisCache is a Redis-backed Cache.
type RedisCache struct {
	client      *redis.Client
	pingTimeout time.Duration
}

// New connects to Redis and verifies reachability.
func New(cfg config.CacheConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "parsing redis URL", err)
	}

	client := redis.NewClient(opts)

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "connecting to redis", err)
	}

	return &RedisCache{client: client, pingTimeout: pingTimeout}, nil
}

// Ping probes cache liveness within the configured timeout.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "cache ping failed", err)
	}
	return nil
}

// PublishEvent pushes a serialized event onto a Redis pub/sub channel.
func (c *RedisCache) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "cache publish failed", err)
	}
	return nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
