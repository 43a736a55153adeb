package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// NullCacheValue marks a cached miss so repeated lookups of absent rows stay off the database.
const NullCacheValue = "$NULL$"

// Codec converts cached values to and from their string form.
type Codec[T any] struct {
	Marshal   func(T) (string, error)
	Unmarshal func(string) (T, error)
}

// GetWithCached implements cache-aside with null caching.
// Cache read and write failures degrade to a direct load; only load errors are returned.
// isEmpty results are cached as NullCacheValue for emptyTTL and returned as the zero value.
func GetWithCached[T any](
	ctx context.Context,
	c BasicOps,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	codec Codec[T],
	load func(context.Context) (T, error),
) (T, error) {
	var zero T

	if cached, err := c.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if v, err := codec.Unmarshal(cached); err == nil {
			return v, nil
		}
	}

	data, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if isEmpty(data) {
		if emptyTTL > 0 {
			_ = c.Set(ctx, key, NullCacheValue, emptyTTL)
		}
		return zero, nil
	}
	if encoded, err := codec.Marshal(data); err == nil {
		_ = c.Set(ctx, key, encoded, JitterTTL(ttl))
	}
	return data, nil
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
