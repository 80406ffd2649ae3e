package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/config"
)

func newTestCache(t *testing.T) (*ResponseCache, *MemoryBackend, *time.Time) {
	t.Helper()

	backend := newTestMemoryBackend(t)

	cfg := config.DefaultConfig().Cache
	cfg.TTLJitter = 0
	c := NewResponseCache(backend, &cfg, nil)

	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }
	backend.now = func() time.Time { return current }

	return c, backend, &current
}

func TestResponseCache_StoreAndLookup(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	entry := &Entry{
		Body:       []byte(`{"users":[]}`),
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Tags:       []string{"users"},
	}
	require.NoError(t, c.Store(ctx, "fp1", entry))

	// Store fills in validators and lifetimes.
	assert.NotEmpty(t, entry.ETag)
	assert.False(t, entry.LastModified.IsZero())
	assert.Equal(t, 5*time.Minute, entry.TTL)

	got, freshness, err := c.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, Fresh, freshness)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, entry.ETag, got.ETag)
}

func TestResponseCache_LookupMiss(t *testing.T) {
	c, _, _ := newTestCache(t)

	_, _, err := c.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestResponseCache_StaleThenExpired(t *testing.T) {
	c, _, current := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "fp1", &Entry{
		Body:        []byte("v"),
		StatusCode:  http.StatusOK,
		TTL:         time.Minute,
		StaleWindow: 30 * time.Second,
	}))

	*current = current.Add(70 * time.Second)
	_, freshness, err := c.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, Stale, freshness)

	*current = current.Add(30 * time.Second)
	_, _, err = c.Lookup(ctx, "fp1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestResponseCache_UndecodableEntrySelfHeals(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, respKey("fp1"), []byte("not json"), time.Minute))

	_, _, err := c.Lookup(ctx, "fp1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// The broken payload was removed.
	_, err = backend.Get(ctx, respKey("fp1"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestResponseCache_Disabled(t *testing.T) {
	backend := newTestMemoryBackend(t)
	cfg := config.DefaultConfig().Cache
	cfg.Enabled = false
	c := NewResponseCache(backend, &cfg, nil)

	assert.False(t, c.Enabled())

	_, _, err := c.Lookup(context.Background(), "fp1")
	assert.ErrorIs(t, err, ErrCacheDisabled)

	err = c.Store(context.Background(), "fp1", &Entry{Body: []byte("v")})
	assert.ErrorIs(t, err, ErrCacheDisabled)
}

func TestResponseCache_FingerprintUsesVaryHeaders(t *testing.T) {
	c, _, _ := newTestCache(t)

	r1 := httptest.NewRequest(http.MethodGet, "/users", nil)
	r1.Header.Set("Accept", "application/json")

	r2 := httptest.NewRequest(http.MethodGet, "/users", nil)
	r2.Header.Set("Accept", "application/xml")

	assert.NotEqual(t, c.Fingerprint(r1), c.Fingerprint(r2))
}

func TestResponseCache_Delete(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "fp1", &Entry{Body: []byte("v"), StatusCode: http.StatusOK}))
	require.NoError(t, c.Delete(ctx, "fp1"))

	_, _, err := c.Lookup(ctx, "fp1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
