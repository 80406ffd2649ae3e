// Package cache implements a response cache with freshness
// classification, tag and pattern invalidation, and background
// revalidation of stale entries.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")
)

// Backend is the storage interface behind the response cache. Entries
// are opaque byte payloads; tag membership is tracked in sets so a tag
// invalidation can find every dependent entry.
type Backend interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is not
	// present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 means the
	// entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error. Returns the
	// number of keys actually removed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// DeleteByPattern removes every key matching the glob pattern and
	// returns the number removed.
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)

	// SetAdd adds a member to a set. The set's TTL is extended to ttl
	// if that is longer than its current TTL, so the index never
	// expires before its newest member.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of a set. A missing set yields an
	// empty slice.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
