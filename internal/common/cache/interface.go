package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the judge worker relies on:
// read-through caching of problem data and a lease lock for the recovery sweep.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key; a missing key yields "" and no error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error
}

// LockOps defines owner-aware distributed lock operations
type LockOps interface {
	// TryLock acquires key for owner if nobody holds it.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Unlock releases key only when owner still holds it.
	Unlock(ctx context.Context, key, owner string) (bool, error)
}
