package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeEntry(t *testing.T, c *ResponseCache, fingerprint string, tags ...string) {
	t.Helper()
	require.NoError(t, c.Store(context.Background(), fingerprint, &Entry{
		Body:       []byte("v"),
		StatusCode: http.StatusOK,
		Tags:       tags,
	}))
}

func TestInvalidateByTag(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	storeEntry(t, c, "GET:/users:aaaa", "users")
	storeEntry(t, c, "GET:/users/42:bbbb", "users", "user:42")
	storeEntry(t, c, "GET:/projects:cccc", "projects")

	removed, err := c.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, _, err = c.Lookup(ctx, "GET:/users:aaaa")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, _, err = c.Lookup(ctx, "GET:/users/42:bbbb")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Entries under other tags survive.
	_, _, err = c.Lookup(ctx, "GET:/projects:cccc")
	assert.NoError(t, err)

	// A second invalidation finds nothing.
	removed, err = c.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestInvalidateByPattern(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	storeEntry(t, c, "GET:/users/42:aaaa")
	storeEntry(t, c, "GET:/users/42/settings:bbbb")
	storeEntry(t, c, "GET:/users/43:cccc")

	removed, err := c.InvalidateByPattern(ctx, "*users/42*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, _, err = c.Lookup(ctx, "GET:/users/43:cccc")
	assert.NoError(t, err)
}

func TestHandleDataChange(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	storeEntry(t, c, "GET:/users:aaaa", "users")
	storeEntry(t, c, "GET:/users/42:bbbb", "user:42")
	storeEntry(t, c, "GET:/projects:cccc", "projects")

	require.NoError(t, c.HandleDataChange(ctx, "user", "42"))

	// Both the broad type tag and the narrow entity tag are gone.
	_, _, err := c.Lookup(ctx, "GET:/users:aaaa")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, _, err = c.Lookup(ctx, "GET:/users/42:bbbb")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Unrelated entries survive.
	_, _, err = c.Lookup(ctx, "GET:/projects:cccc")
	assert.NoError(t, err)
}

func TestHandleDataChange_PatternSweep(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	// Entry with no tags at all, reachable only through the id sweep.
	storeEntry(t, c, "GET:/reports/user-42:aaaa")

	require.NoError(t, c.HandleDataChange(ctx, "user", "user-42"))

	_, _, err := c.Lookup(ctx, "GET:/reports/user-42:aaaa")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestHandleDataChange_UnknownEntityType(t *testing.T) {
	c, _, _ := newTestCache(t)

	// Only the narrow tag and the pattern sweep apply; no error.
	assert.NoError(t, c.HandleDataChange(context.Background(), "widget", "7"))
}
