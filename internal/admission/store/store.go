// Package store provides the shared storage backend for admission
// control: atomic window counters, bypass flags, and TTL'd connection
// sets. The Redis implementation is the cross-instance serialization
// point in a horizontally scaled deployment.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers on the admission path use it to apply the configured
// fail-open/fail-closed policy.
var ErrUnavailable = errors.New("store unavailable")

// Store defines the interface for admission-control storage.
type Store interface {
	// Get retrieves the counter value for the given key without
	// modifying it. Used by usage inspection.
	Get(ctx context.Context, key string) (int64, error)

	// IncrementWithExpiry atomically increments the counter and sets
	// its expiration when the key is created. The increment and the
	// expiry-set are a single operation so no counter can outlive its
	// window.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// SetAdd adds a member to the set at key and refreshes the set's
	// expiration. Returns the resulting set size.
	SetAdd(ctx context.Context, key, member string, expiration time.Duration) (int64, error)

	// SetRemove removes a member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// SetCard returns the number of members in the set at key.
	SetCard(ctx context.Context, key string) (int64, error)

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
