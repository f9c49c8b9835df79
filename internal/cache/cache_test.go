package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	c := NewRedisCache(server.Addr(), ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, server
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, ok := c.Get(ctx, KeyImageList); ok {
		t.Error("Expected miss on empty cache")
	}

	c.Set(ctx, KeyImageList, []byte(`[{"id":1}]`))
	value, ok := c.Get(ctx, KeyImageList)
	if !ok {
		t.Fatal("Expected hit after set")
	}
	if !bytes.Equal(value, []byte(`[{"id":1}]`)) {
		t.Errorf("Expected cached value, got %q", value)
	}
}

func TestRedisCache_EntriesExpire(t *testing.T) {
	c, server := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Set(ctx, KeyStatistics, []byte(`{}`))
	server.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx, KeyStatistics); ok {
		t.Error("Expected entry to expire after TTL")
	}
}

func TestRedisCache_InvalidateAllKnownKeys(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Set(ctx, KeyImageList, []byte("a"))
	c.Set(ctx, KeyStatistics, []byte("b"))
	c.Set(ctx, KeyTokenUsage, []byte("c"))

	c.Invalidate(ctx)

	for _, key := range []string{KeyImageList, KeyStatistics, KeyTokenUsage} {
		if _, ok := c.Get(ctx, key); ok {
			t.Errorf("Expected %s to be invalidated", key)
		}
	}
}

func TestRedisCache_UnreachableServerDegradesToMiss(t *testing.T) {
	c, server := newTestCache(t, time.Minute)
	ctx := context.Background()

	c.Set(ctx, KeyImageList, []byte("a"))
	server.Close()

	if _, ok := c.Get(ctx, KeyImageList); ok {
		t.Error("Expected miss when the cache backend is down")
	}
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	ctx := context.Background()

	c.Set(ctx, KeyImageList, []byte("a"))
	if _, ok := c.Get(ctx, KeyImageList); ok {
		t.Error("Expected noop cache to always miss")
	}
	c.Invalidate(ctx)
	if err := c.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
}
