package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	b := NewMemoryBackendWithCleanupInterval(0)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBackend_GetSet(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))

	value, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestMemoryBackend_Expiry(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	current := time.Now()
	b.now = func() time.Time { return current }

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))

	current = current.Add(2 * time.Minute)

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackend_Delete(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "b", []byte("2"), 0))

	removed, err := b.Delete(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = b.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackend_DeleteByPattern(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "resp:GET:/users/42:aaaa", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "resp:GET:/users/43:bbbb", []byte("2"), 0))
	require.NoError(t, b.Set(ctx, "resp:GET:/projects/1:cccc", []byte("3"), 0))

	removed, err := b.DeleteByPattern(ctx, "resp:*users*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = b.Get(ctx, "resp:GET:/projects/1:cccc")
	assert.NoError(t, err)
}

func TestMemoryBackend_Sets(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetAdd(ctx, "tag:users", "fp1", time.Minute))
	require.NoError(t, b.SetAdd(ctx, "tag:users", "fp2", time.Minute))
	require.NoError(t, b.SetAdd(ctx, "tag:users", "fp1", time.Minute))

	members, err := b.SetMembers(ctx, "tag:users")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fp1", "fp2"}, members)

	missing, err := b.SetMembers(ctx, "tag:none")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemoryBackend_SetTTLOnlyExtends(t *testing.T) {
	b := newTestMemoryBackend(t)
	ctx := context.Background()

	current := time.Now()
	b.now = func() time.Time { return current }

	require.NoError(t, b.SetAdd(ctx, "tag:users", "fp1", 10*time.Minute))
	// A shorter TTL from a later add must not shorten the set's life.
	require.NoError(t, b.SetAdd(ctx, "tag:users", "fp2", time.Minute))

	current = current.Add(5 * time.Minute)

	members, err := b.SetMembers(ctx, "tag:users")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestMemoryBackend_CloseIdempotent(t *testing.T) {
	b := NewMemoryBackend()
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
