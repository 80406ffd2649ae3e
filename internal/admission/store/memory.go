package store

import (
	"context"
	"sync"
	"time"
)

// counterEntry is a stored counter with expiration.
type counterEntry struct {
	value      int64
	expiration time.Time
}

// setEntry is a stored set with expiration.
type setEntry struct {
	members    map[string]struct{}
	expiration time.Time
}

// MemoryStore implements Store using in-memory storage. It is intended
// for tests and single-instance deployments; counters are not shared
// across processes.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	sets     map[string]*setEntry
	cleanup  *time.Ticker
	done     chan struct{}
	closed   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with a
// custom cleanup interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*counterEntry),
		sets:     make(map[string]*setEntry),
		cleanup:  time.NewTicker(interval),
		done:     make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || s.counterExpired(e) {
		delete(s.counters, key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// IncrementWithExpiry implements Store. The mutex makes the increment
// and the expiry-set a single atomic operation, mirroring the Redis
// Lua script.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || s.counterExpired(e) {
		e = &counterEntry{expiration: expiryTime(expiration)}
		s.counters[key] = e
	}

	e.value += delta
	return e.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	return nil
}

// SetAdd implements Store.
func (s *MemoryStore) SetAdd(ctx context.Context, key, member string, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sets[key]
	if !ok || s.setExpired(e) {
		e = &setEntry{members: make(map[string]struct{})}
		s.sets[key] = e
	}

	e.members[member] = struct{}{}
	e.expiration = expiryTime(expiration)

	return int64(len(e.members)), nil
}

// SetRemove implements Store.
func (s *MemoryStore) SetRemove(ctx context.Context, key, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sets[key]
	if !ok || s.setExpired(e) {
		delete(s.sets, key)
		return nil
	}

	delete(e.members, member)
	if len(e.members) == 0 {
		delete(s.sets, key)
	}

	return nil
}

// SetCard implements Store.
func (s *MemoryStore) SetCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sets[key]
	if !ok || s.setExpired(e) {
		delete(s.sets, key)
		return 0, nil
	}

	return int64(len(e.members)), nil
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// counterExpired reports whether a counter entry has expired.
// Caller must hold s.mu.
func (s *MemoryStore) counterExpired(e *counterEntry) bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

// setExpired reports whether a set entry has expired.
// Caller must hold s.mu.
func (s *MemoryStore) setExpired(e *setEntry) bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

// expiryTime converts a TTL to an absolute expiration time.
func expiryTime(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return time.Now().Add(expiration)
}

// startCleanup periodically removes expired entries.
func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.done:
			return
		case <-s.cleanup.C:
			s.removeExpired()
		}
	}
}

// removeExpired drops all expired counters and sets.
func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.counters {
		if !e.expiration.IsZero() && now.After(e.expiration) {
			delete(s.counters, key)
		}
	}
	for key, e := range s.sets {
		if !e.expiration.IsZero() && now.After(e.expiration) {
			delete(s.sets, key)
		}
	}
}
