package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultTimeout is the per-operation timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the number of retry attempts on connection errors.
const DefaultRetries = 3

// keyPrefix namespaces cache keys within the shared Redis deployment,
// distinct from the queue's "pipeline:stage:"/"pipeline:delayed:" prefixes.
const keyPrefix = "pipeline:cache:"

// Config configures the Redis-backed cache.
type Config struct {
	// Addr is the Redis host:port (required unless Client is set directly
	// via NewRedisCacheWithClient).
	Addr string
	DB   int

	Timeout time.Duration
	Retries int
}

func (c *Config) setDefaults() error {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries < 0 {
		return fmt.Errorf("cache: retries must be >= 0, got %d", c.Retries)
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	return nil
}

// RedisCache implements Cache over a single Redis client with
// exponential-backoff retry on connection errors, the same retry shape
// used by the queue package and the adapter this repo is built from.
type RedisCache struct {
	client *goredis.Client
	cfg    Config
}

// NewRedisCache connects to Redis and returns a ready Cache.
func NewRedisCache(cfg Config) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: addr is required")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg), nil
}

// NewRedisCacheWithClient wraps an existing client (e.g. miniredis in tests).
func NewRedisCacheWithClient(client *goredis.Client, cfg Config) *RedisCache {
	cfg.setDefaults()
	return &RedisCache{client: client, cfg: cfg}
}

func (c *RedisCache) withRetry(ctx context.Context, op func(context.Context) error) error {
	attempts := 1 + c.cfg.Retries
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cache: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("cache: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		lastErr = op(opCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("cache: failed after %d attempts: %w", attempts, lastErr)
}

// Put stores value under key with the given ttl. A zero ttl applies
// DefaultTTL.
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return c.withRetry(ctx, func(opCtx context.Context) error {
		return c.client.Set(opCtx, keyPrefix+key, value, ttl).Err()
	})
}

// Get returns the value stored under key, or ErrNotFound if absent or
// expired.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.withRetry(ctx, func(opCtx context.Context) error {
		v, err := c.client.Get(opCtx, keyPrefix+key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrNotFound
	}
	return value, nil
}

// Invalidate removes key, if present.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.withRetry(ctx, func(opCtx context.Context) error {
		return c.client.Del(opCtx, keyPrefix+key).Err()
	})
}

// Close releases the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
