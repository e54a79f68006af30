// Package cache wraps the shared Redis instance used for call counters,
// gateway blacklisting, device registrations and the invite-in-progress
// records that let a final crankback attempt reuse its dialog identity.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or hash does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Cache provides the counter and key/value operations the SBC needs.
type Cache struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger.With("subsystem", "cache")}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Incr atomically increments key and returns the new value.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return n, nil
}

// Decr atomically decrements key and returns the new value.
func (c *Cache) Decr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("decrementing %s: %w", key, err)
	}
	return n, nil
}

// CreateHash stores fields under key with an optional TTL (zero means none).
func (c *Cache) CreateHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating hash %s: %w", key, err)
	}
	return nil
}

// RetrieveHash returns every field of key, or ErrNotFound.
func (c *Cache) RetrieveHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("retrieving hash %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// AddKey sets a string value with an optional TTL.
func (c *Cache) AddKey(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// RetrieveKey returns the string value of key, or ErrNotFound.
func (c *Cache) RetrieveKey(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}
	return v, nil
}

// DeleteKey removes key. Deleting a missing key is not an error.
func (c *Cache) DeleteKey(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// AddToSet adds members to a set.
func (c *Cache) AddToSet(ctx context.Context, set string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, set, args...).Err(); err != nil {
		return fmt.Errorf("adding to set %s: %w", set, err)
	}
	return nil
}

// IsMember reports whether member belongs to set.
func (c *Cache) IsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("checking membership in %s: %w", set, err)
	}
	return ok, nil
}

// RetrieveSet returns every member of set.
func (c *Cache) RetrieveSet(ctx context.Context, set string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("retrieving set %s: %w", set, err)
	}
	return members, nil
}
