package cache

import (
	"context"
	"time"
)

// Cache is the Redis-shaped surface the engine depends on: plain keys for
// the read-through cache, lists for the submission queue and token-guarded
// keys for submission leases.
type Cache interface {
	BasicOps
	ListOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" and a nil error for a missing key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair; a zero ttl means no expiration.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ListOps defines list operations
type ListOps interface {
	// RPush appends values to the tail of a list
	RPush(ctx context.Context, key string, values ...interface{}) error

	// BLPop pops the head of a list, waiting up to timeout for an element.
	// ok is false when the wait elapsed with the list still empty.
	BLPop(ctx context.Context, timeout time.Duration, key string) (value string, ok bool, err error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)
}

// LockOps defines token-owned lock operations. The token proves ownership so
// a holder whose lease already expired cannot drop someone else's lock.
type LockOps interface {
	// TryLock sets key to token if absent, expiring after ttl.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock deletes key only while it still holds token.
	Unlock(ctx context.Context, key, token string) (bool, error)

	// ExtendLock resets the ttl of key only while it still holds token.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Locked reports whether anyone currently holds key.
	Locked(ctx context.Context, key string) (bool, error)
}
