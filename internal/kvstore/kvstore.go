// Package kvstore is the shared ephemeral key/value store used for records
// that expire: MFA setup bundles, challenges, device trust, attempt
// counters, velocity totals and violation counts. Every implementation
// treats an expired entry as absent.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kvstore: key not found")

// Store is implemented by MemoryStore and RedisStore.
type Store interface {
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key and reports whether this call removed a live
	// entry. Of several concurrent deletes of the same key exactly one
	// observes true.
	Delete(ctx context.Context, key string) (bool, error)
	// Incr increments the counter at key, creating it at 1, and refreshes
	// its ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy adds delta to the counter at key and refreshes its ttl.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrWindow increments the counter at key. The window opens at the
	// increment that creates the key and later increments do not extend it.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Counter reads a counter written by Incr; missing keys read as 0.
	Counter(ctx context.Context, key string) (int64, error)
}
