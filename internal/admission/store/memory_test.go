package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()

	s := NewMemoryStoreWithCleanupInterval(10 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_IncrementWithExpiry(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	v, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.IncrementWithExpiry(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestMemoryStore_IncrementWithExpiry_Expires(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "k", 5, 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))

	// A fresh increment starts from zero.
	v, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStore_IncrementWithExpiry_Concurrent(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := s.IncrementWithExpiry(ctx, "shared", 1, time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines), v)
}

func TestMemoryStore_GetDelete(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	_, err = s.IncrementWithExpiry(ctx, "k", 42, time.Minute)
	require.NoError(t, err)
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_SetOperations(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	card, err := s.SetCard(ctx, "conns")
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)

	for i := 0; i < 3; i++ {
		card, err = s.SetAdd(ctx, "conns", fmt.Sprintf("c%d", i), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), card)
	}

	// Adding an existing member does not grow the set.
	card, err = s.SetAdd(ctx, "conns", "c0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)

	require.NoError(t, s.SetRemove(ctx, "conns", "c1"))
	card, err = s.SetCard(ctx, "conns")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)
}

func TestMemoryStore_SetExpires(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := s.SetAdd(ctx, "conns", "c1", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	card, err := s.SetCard(ctx, "conns")
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := newTestMemoryStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.SetAdd(ctx, "k", "m", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Close_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
