package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRedisCacheWithClient(client, Config{Timeout: time.Second, Retries: 1}), mr
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "k1", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestGet_MissingKeyReturnsErrNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Get(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPut_ZeroTTLAppliesDefault(t *testing.T) {
	c, mr := newTestCache(t)
	if err := c.Put(context.Background(), "k2", []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ttl := mr.TTL(keyPrefix + "k2")
	if ttl <= 0 || ttl > DefaultTTL {
		t.Errorf("expected ttl in (0, %s], got %s", DefaultTTL, ttl)
	}
}

func TestInvalidate_RemovesKey(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "k3", []byte("v"), time.Minute)

	if err := c.Invalidate(ctx, "k3"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	_, err := c.Get(ctx, "k3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after invalidate, got %v", err)
	}
}

func TestHashKey_IsStableAndPrefixed(t *testing.T) {
	a := HashKey("split", []byte("same content"))
	b := HashKey("split", []byte("same content"))
	if a != b {
		t.Errorf("expected stable hash, got %s vs %s", a, b)
	}
	if a[:6] != "split:" {
		t.Errorf("expected split: prefix, got %s", a)
	}
	other := HashKey("split", []byte("different content"))
	if a == other {
		t.Error("expected different content to hash differently")
	}
}
