// Package faststore wraps the Redis connection shared by the queue fabric,
// the session store, the budget counters, and the secret cache. All
// cross-receiver shared state lives here or in Postgres; nothing is held in
// process memory.
package faststore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formscout/formscout/pkg/config"
)

var (
	// ErrEmpty is returned by Pop when the queue has no entries.
	ErrEmpty = errors.New("queue empty")

	// ErrNotFound is returned when a key or session record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a session CAS write lost the race.
	ErrVersionConflict = errors.New("session version conflict")
)

// Client is the Redis-backed fast store.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg *config.FastStoreConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing connection. Used by tests.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the store is reachable. Used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ─────────────────────────────────────────────────────────────
// Queues
// ─────────────────────────────────────────────────────────────

// Push appends one envelope to the tail of the named queue.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}
	return nil
}

// Pop removes and returns the head of the named queue, or ErrEmpty.
func (c *Client) Pop(ctx context.Context, queue string) ([]byte, error) {
	val, err := c.rdb.LPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}
	return val, nil
}

// QueueLen returns the current depth of the named queue.
func (c *Client) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length %s: %w", queue, err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────
// Generic cache (decrypted secrets, access records)
// ─────────────────────────────────────────────────────────────

// SetCache stores a value with a TTL.
func (c *Client) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// GetCache returns a cached value, or ErrNotFound.
func (c *Client) GetCache(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	return val, nil
}

// DelCache removes a cached value. Missing keys are not an error.
func (c *Client) DelCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Pub/sub (session progress events)
// ─────────────────────────────────────────────────────────────

// Publish sends a payload to a channel. Fire and forget from the caller's
// point of view; delivery is best effort.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a subscription on the given channels. Used by the UI
// tier and by tests.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
