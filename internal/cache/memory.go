package cache

import (
	"context"
	"sync"
	"time"
)

// memoryValue is a stored payload with an optional expiry.
type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

func (v *memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// memorySet is a set of members with an optional expiry.
type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

func (s *memorySet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// MemoryBackend is an in-process cache backend for tests and
// single-node deployments.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]*memoryValue
	sets   map[string]*memorySet

	closeOnce sync.Once
	done      chan struct{}

	now func() time.Time
}

// NewMemoryBackend creates an in-memory backend with a background
// cleanup loop.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithCleanupInterval(time.Minute)
}

// NewMemoryBackendWithCleanupInterval creates an in-memory backend with
// the given cleanup interval. An interval of 0 disables the loop;
// expired entries are still dropped lazily on access.
func NewMemoryBackendWithCleanupInterval(interval time.Duration) *MemoryBackend {
	b := &MemoryBackend{
		values: make(map[string]*memoryValue),
		sets:   make(map[string]*memorySet),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	if interval > 0 {
		go b.cleanupLoop(interval)
	}
	return b
}

// Get retrieves a value.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	value, ok := b.values[key]
	b.mu.RUnlock()

	if !ok || value.expired(b.now()) {
		return nil, ErrCacheMiss
	}

	data := make([]byte, len(value.data))
	copy(data, value.data)
	return data, nil
}

// Set stores a value.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)

	stored := &memoryValue{data: data}
	if ttl > 0 {
		stored.expiresAt = b.now().Add(ttl)
	}

	b.mu.Lock()
	b.values[key] = stored
	b.mu.Unlock()
	return nil
}

// Delete removes keys.
func (b *MemoryBackend) Delete(_ context.Context, keys ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int64
	now := b.now()
	for _, key := range keys {
		if value, ok := b.values[key]; ok {
			if !value.expired(now) {
				removed++
			}
			delete(b.values, key)
		}
		if set, ok := b.sets[key]; ok {
			if !set.expired(now) {
				removed++
			}
			delete(b.sets, key)
		}
	}
	return removed, nil
}

// DeleteByPattern removes every value whose key matches the glob
// pattern. Matching follows Redis glob semantics: * matches any run of
// characters, including path separators.
func (b *MemoryBackend) DeleteByPattern(_ context.Context, pattern string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int64
	now := b.now()
	for key, value := range b.values {
		if matchGlob(pattern, key) {
			if !value.expired(now) {
				removed++
			}
			delete(b.values, key)
		}
	}
	return removed, nil
}

// matchGlob matches a key against a pattern of literals, ? (any one
// character), and * (any run of characters). Unlike path.Match, * is
// not stopped by separators, matching Redis KEYS/SCAN behavior.
func matchGlob(pattern, key string) bool {
	var pi, ki int
	starPi, starKi := -1, 0

	for ki < len(key) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == key[ki]):
			pi++
			ki++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starKi = pi, ki
			pi++
		case starPi >= 0:
			starKi++
			pi, ki = starPi+1, starKi
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// SetAdd adds a member to a set, extending the set expiry when needed.
func (b *MemoryBackend) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	set, ok := b.sets[key]
	if !ok || set.expired(now) {
		set = &memorySet{members: make(map[string]struct{})}
		b.sets[key] = set
	}

	set.members[member] = struct{}{}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		if set.expiresAt.Before(expiresAt) {
			set.expiresAt = expiresAt
		}
	}
	return nil
}

// SetMembers returns all members of a set.
func (b *MemoryBackend) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.sets[key]
	if !ok || set.expired(b.now()) {
		return nil, nil
	}

	members := make([]string, 0, len(set.members))
	for member := range set.members {
		members = append(members, member)
	}
	return members, nil
}

// Close stops the cleanup loop. It is safe to call multiple times.
func (b *MemoryBackend) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *MemoryBackend) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.removeExpired()
		}
	}
}

func (b *MemoryBackend) removeExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, value := range b.values {
		if value.expired(now) {
			delete(b.values, key)
		}
	}
	for key, set := range b.sets {
		if set.expired(now) {
			delete(b.sets, key)
		}
	}
}
