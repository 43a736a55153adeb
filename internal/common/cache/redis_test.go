package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"sandboxjudge/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, mr
}

func intCodec() cache.Codec[int] {
	return cache.Codec[int]{
		Marshal:   func(v int) (string, error) { return strconv.Itoa(v), nil },
		Unmarshal: strconv.Atoi,
	}
}

func TestRedisCacheGetMissing(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty value, got %q", got)
	}
}

func TestGetWithCachedLoadsOnce(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		got, err := cache.GetWithCached(ctx, c, "k", time.Minute, time.Second, func(v int) bool { return v == 0 }, intCodec(), load)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 42 {
			t.Fatalf("expected 42, got %d", got)
		}
	}
	if loads != 1 {
		t.Fatalf("expected 1 load, got %d", loads)
	}
}

func TestGetWithCachedCachesEmpty(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return 0, nil
	}
	for i := 0; i < 2; i++ {
		if _, err := cache.GetWithCached(ctx, c, "empty", time.Minute, time.Minute, func(v int) bool { return v == 0 }, intCodec(), load); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected 1 load, got %d", loads)
	}
	raw, err := mr.Get("empty")
	if err != nil {
		t.Fatalf("expected key to be set: %v", err)
	}
	if raw != cache.NullCacheValue {
		t.Fatalf("expected null marker, got %q", raw)
	}
}

func TestGetWithCachedPropagatesLoadError(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("boom")
	_, err := cache.GetWithCached(context.Background(), c, "err", time.Minute, time.Minute, func(v int) bool { return v == 0 }, intCodec(),
		func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if mr.Exists("err") {
		t.Fatalf("failed loads must not be cached")
	}
}

func TestGetWithCachedIgnoresCorruptEntry(t *testing.T) {
	c, mr := newTestCache(t)
	if err := mr.Set("corrupt", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	codec := cache.Codec[map[string]int]{
		Marshal: func(v map[string]int) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		Unmarshal: func(s string) (map[string]int, error) {
			var out map[string]int
			err := json.Unmarshal([]byte(s), &out)
			return out, err
		},
	}
	got, err := cache.GetWithCached(context.Background(), c, "corrupt", time.Minute, time.Minute,
		func(v map[string]int) bool { return len(v) == 0 }, codec,
		func(context.Context) (map[string]int, error) { return map[string]int{"a": 1}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["a"] != 1 {
		t.Fatalf("expected reloaded value, got %v", got)
	}
}

func TestLockOwnership(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "lock", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.TryLock(ctx, "lock", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second lock to fail, ok=%v err=%v", ok, err)
	}
	released, err := c.Unlock(ctx, "lock", "b")
	if err != nil || released {
		t.Fatalf("non-owner must not release, released=%v err=%v", released, err)
	}
	released, err = c.Unlock(ctx, "lock", "a")
	if err != nil || !released {
		t.Fatalf("owner must release, released=%v err=%v", released, err)
	}
	ok, err = c.TryLock(ctx, "lock", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock after release, ok=%v err=%v", ok, err)
	}
}

func TestJitterTTL(t *testing.T) {
	t.Parallel()
	ttl := 100 * time.Second
	for i := 0; i < 50; i++ {
		got := cache.JitterTTL(ttl)
		if got > ttl || got < 90*time.Second {
			t.Fatalf("jittered ttl out of range: %v", got)
		}
	}
	if got := cache.JitterTTL(0); got != 0 {
		t.Fatalf("expected zero ttl unchanged, got %v", got)
	}
}
