package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/cache"
	"github.com/tenantgate/tenantgate/internal/config"
)

type cacheTestEnv struct {
	cache     *cache.ResponseCache
	scheduler *cache.RevalidationScheduler
	cfg       config.CacheConfig
}

func newCacheEnv(t *testing.T) *cacheTestEnv {
	t.Helper()

	backend := cache.NewMemoryBackendWithCleanupInterval(0)
	t.Cleanup(func() { _ = backend.Close() })

	cfg := config.DefaultConfig().Cache
	cfg.TTLJitter = 0
	rc := cache.NewResponseCache(backend, &cfg, nil)

	return &cacheTestEnv{
		cache:     rc,
		scheduler: cache.NewRevalidationScheduler(rc, time.Second, nil),
		cfg:       cfg,
	}
}

func (env *cacheTestEnv) middleware(next http.Handler) http.Handler {
	return Cache(env.cache, env.scheduler, &env.cfg, nil)(next)
}

func countingHandler(calls *int32, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set(HeaderContentType, ContentTypeJSON)
		w.Header().Set(HeaderCacheTags, "users")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

func TestCache_MissThenHit(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(countingHandler(&calls, `{"users":[]}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))
	assert.NotEmpty(t, rec.Header().Get(HeaderETag))
	assert.NotEmpty(t, rec.Header().Get(HeaderLastModified))
	assert.Contains(t, rec.Header().Get(HeaderCacheControl), "max-age=300")
	assert.Contains(t, rec.Header().Get(HeaderCacheControl), "stale-while-revalidate=60")
	assert.Contains(t, rec.Header().Get(HeaderVary), "Accept")
	// The tag declaration never reaches the client.
	assert.Empty(t, rec.Header().Get(HeaderCacheTags))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CacheHit, rec.Header().Get(HeaderXCache))
	assert.Equal(t, `{"users":[]}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderAge))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_ConditionalRequest304(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(countingHandler(&calls, `{"users":[]}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	etag := rec.Header().Get(HeaderETag)
	require.NotEmpty(t, etag)

	r := httptest.NewRequest(http.MethodGet, "/users", nil)
	r.Header.Set(HeaderIfNoneMatch, etag)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, etag, rec.Header().Get(HeaderETag))
}

func TestCache_VaryHeaderSeparatesEntries(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(r.Header.Get("Accept")))
	}))

	jsonReq := httptest.NewRequest(http.MethodGet, "/users", nil)
	jsonReq.Header.Set("Accept", "application/json")
	xmlReq := httptest.NewRequest(http.MethodGet, "/users", nil)
	xmlReq.Header.Set("Accept", "application/xml")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, jsonReq)
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, xmlReq)
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))
	assert.Equal(t, "application/xml", rec.Body.String())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_NonGetBypassed(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(countingHandler(&calls, "{}"))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users", nil))
		assert.Empty(t, rec.Header().Get(HeaderXCache))
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_NoStoreRequestBypassed(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(countingHandler(&calls, "{}"))

	r := httptest.NewRequest(http.MethodGet, "/users", nil)
	r.Header.Set(HeaderCacheControl, "no-store")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Empty(t, rec.Header().Get(HeaderXCache))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_ErrorResponsesNotStored(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_StaleServedAndRevalidated(t *testing.T) {
	backend := cache.NewMemoryBackendWithCleanupInterval(0)
	t.Cleanup(func() { _ = backend.Close() })

	cfg := config.DefaultConfig().Cache
	cfg.TTLJitter = 0
	cfg.DefaultTTL = config.Duration(50 * time.Millisecond)
	cfg.StaleWindow = config.Duration(time.Hour)
	rc := cache.NewResponseCache(backend, &cfg, nil)
	scheduler := cache.NewRevalidationScheduler(rc, time.Second, nil)

	var calls int32
	handler := Cache(rc, scheduler, &cfg, nil)(countingHandler(&calls, `{"v":1}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))

	// Let the entry go stale.
	time.Sleep(80 * time.Millisecond)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, CacheStale, rec.Header().Get(HeaderXCache))
	assert.Equal(t, `{"v":1}`, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Drain(ctx))

	// The background revalidation re-rendered the response.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, CacheHit, rec.Header().Get(HeaderXCache))
}

func TestCache_InvalidationForcesMiss(t *testing.T) {
	env := newCacheEnv(t)
	var calls int32
	handler := env.middleware(countingHandler(&calls, `{"users":[]}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))

	// Tag declared by the handler via the tags header.
	_, err := env.cache.InvalidateByTag(context.Background(), "users")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, CacheMiss, rec.Header().Get(HeaderXCache))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_DisabledPassesThrough(t *testing.T) {
	env := newCacheEnv(t)
	cfg := env.cfg
	cfg.Enabled = false

	var calls int32
	handler := Cache(env.cache, env.scheduler, &cfg, nil)(countingHandler(&calls, "{}"))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
		assert.Empty(t, rec.Header().Get(HeaderXCache))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
