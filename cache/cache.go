// Package cache implements a time-bounded key/blob store over Redis,
// shared with the queue's Redis deployment but under its own key prefix.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// DefaultTTL is applied by Put when no explicit TTL is given.
const DefaultTTL = 24 * time.Hour

// Cache is a time-bounded key/blob store. Put/Get/Invalidate form the
// external library surface; HashKey supports the internal
// content-addressed use (caching split-stage output buckets by content
// hash so an identical recomputation after restart doesn't rewrite
// identical bytes to the object store).
type Cache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Invalidate(ctx context.Context, key string) error
	Close() error
}

// HashKey derives a stable content-addressed cache key from an arbitrary
// byte payload, prefixed so it cannot collide with caller-chosen keys.
func HashKey(prefix string, content []byte) string {
	sum := sha256.Sum256(content)
	return prefix + ":" + hex.EncodeToString(sum[:])
}
