package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/internal/cache"
	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// maxCacheBodySize is the largest response body that will be buffered
// for caching. Larger responses are forwarded but not stored.
const maxCacheBodySize = 10 << 20 // 10MB

// HeaderCacheTags lets handlers declare the data dependencies of a
// response. The middleware strips it before the response leaves the
// service and records the tags for invalidation.
const HeaderCacheTags = "X-Cache-Tags"

// cacheMiddleware holds the state for the caching middleware.
type cacheMiddleware struct {
	cache        *cache.ResponseCache
	scheduler    *cache.RevalidationScheduler
	logger       observability.Logger
	staleIfError time.Duration
	varyHeaders  []string
}

// Cache returns a middleware that serves GET responses from the
// response cache. Fresh entries are served directly, stale entries are
// served while a background revalidation refreshes them, and misses
// fall through to the handler whose response is then stored.
// Conditional requests matching the entry's validators get a 304.
func Cache(
	rc *cache.ResponseCache,
	scheduler *cache.RevalidationScheduler,
	cfg *config.CacheConfig,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	if rc == nil || cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	cm := &cacheMiddleware{
		cache:        rc,
		scheduler:    scheduler,
		logger:       logger,
		staleIfError: cfg.StaleIfError.Duration(),
		varyHeaders:  cfg.VaryHeaders,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cm.isCacheable(r) {
				next.ServeHTTP(w, r)
				return
			}

			fingerprint := rc.Fingerprint(r)

			entry, freshness, err := rc.Lookup(r.Context(), fingerprint)
			if err == nil {
				cm.serveEntry(w, r, next, fingerprint, entry, freshness)
				return
			}
			if !errors.Is(err, cache.ErrCacheMiss) {
				logger.Warn("cache lookup failed, serving uncached",
					observability.String("fingerprint", fingerprint),
					observability.Error(err),
				)
			}

			cm.renderAndStore(w, r, next, fingerprint)
		})
	}
}

// isCacheable reports whether the request may be served from cache.
func (cm *cacheMiddleware) isCacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	cc := r.Header.Get(HeaderCacheControl)
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// serveEntry writes a cached entry, answering conditional requests with
// a 304 and scheduling revalidation for stale entries.
func (cm *cacheMiddleware) serveEntry(
	w http.ResponseWriter,
	r *http.Request,
	next http.Handler,
	fingerprint string,
	entry *cache.Entry,
	freshness cache.Freshness,
) {
	if freshness == cache.Stale && cm.scheduler != nil {
		cm.scheduler.Schedule(fingerprint, cm.recompute(r, next))
	}

	outcome := CacheHit
	if freshness == cache.Stale {
		outcome = CacheStale
	}

	cm.setEntryHeaders(w, entry, outcome)

	if cache.ConditionalCheck(entry,
		r.Header.Get(HeaderIfNoneMatch),
		r.Header.Get(HeaderIfModifiedSince),
	) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

// renderAndStore runs the handler against a buffering recorder, stores
// a successful response, and writes it to the client with cache
// headers.
func (cm *cacheMiddleware) renderAndStore(
	w http.ResponseWriter,
	r *http.Request,
	next http.Handler,
	fingerprint string,
) {
	recorder := newResponseRecorder()
	next.ServeHTTP(recorder, r)

	entry := cm.entryFromRecorder(recorder)

	if entry != nil {
		if err := cm.cache.Store(r.Context(), fingerprint, entry); err != nil {
			cm.logger.Warn("failed to store response in cache",
				observability.String("fingerprint", fingerprint),
				observability.Error(err),
			)
		}
	}

	for name, values := range recorder.header {
		if name == HeaderCacheTags {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	if entry != nil {
		cm.setEntryHeaders(w, entry, CacheMiss)
	} else {
		w.Header().Set(HeaderXCache, CacheMiss)
	}

	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(recorder.body.Bytes())
}

// entryFromRecorder builds a cache entry from a recorded response, or
// nil when the response is not storable.
func (cm *cacheMiddleware) entryFromRecorder(recorder *responseRecorder) *cache.Entry {
	if recorder.statusCode < http.StatusOK || recorder.statusCode >= http.StatusMultipleChoices {
		return nil
	}
	if recorder.bufferExceeded {
		return nil
	}

	headers := make(map[string]string, len(recorder.header))
	for name, values := range recorder.header {
		if name == HeaderCacheTags || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	var tags []string
	if raw := recorder.header.Get(HeaderCacheTags); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	return &cache.Entry{
		Body:       recorder.body.Bytes(),
		StatusCode: recorder.statusCode,
		Headers:    headers,
		Tags:       tags,
	}
}

// recompute returns a RecomputeFunc that re-renders the request against
// the handler chain on a detached context.
func (cm *cacheMiddleware) recompute(r *http.Request, next http.Handler) cache.RecomputeFunc {
	detached := r.Clone(context.Background())

	return func(ctx context.Context) (*cache.Entry, error) {
		recorder := newResponseRecorder()
		next.ServeHTTP(recorder, detached.Clone(ctx))

		entry := cm.entryFromRecorder(recorder)
		if entry == nil {
			return nil, fmt.Errorf("revalidation response not cacheable: status %d", recorder.statusCode)
		}
		return entry, nil
	}
}

// setEntryHeaders writes the caching headers derived from an entry.
func (cm *cacheMiddleware) setEntryHeaders(w http.ResponseWriter, entry *cache.Entry, outcome string) {
	h := w.Header()

	for name, value := range entry.Headers {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}

	h.Set(HeaderXCache, outcome)
	h.Set(HeaderCacheControl, cm.cacheControl(entry))
	if entry.ETag != "" {
		h.Set(HeaderETag, entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		h.Set(HeaderLastModified, entry.LastModified.UTC().Format(http.TimeFormat))
	}
	if len(cm.varyHeaders) > 0 {
		h.Set(HeaderVary, strings.Join(cm.varyHeaders, ", "))
	}
	if outcome != CacheMiss {
		h.Set(HeaderAge, strconv.Itoa(int(entry.Age(time.Now()).Seconds())))
	}
}

// cacheControl renders the Cache-Control directives for an entry.
func (cm *cacheMiddleware) cacheControl(entry *cache.Entry) string {
	var sb strings.Builder
	ttl := int(entry.TTL.Seconds())
	fmt.Fprintf(&sb, "public, max-age=%d, s-maxage=%d", ttl, ttl)
	if entry.StaleWindow > 0 {
		fmt.Fprintf(&sb, ", stale-while-revalidate=%d", int(entry.StaleWindow.Seconds()))
	}
	if cm.staleIfError > 0 {
		fmt.Fprintf(&sb, ", stale-if-error=%d", int(cm.staleIfError.Seconds()))
	}
	return sb.String()
}

// responseRecorder buffers a handler's response so the middleware can
// decide what to store and write headers before the body goes out.
type responseRecorder struct {
	header         http.Header
	statusCode     int
	body           *bytes.Buffer
	bufferExceeded bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     make(http.Header),
		statusCode: http.StatusOK,
		body:       &bytes.Buffer{},
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	// The whole body is kept so it can be replayed to the client; the
	// flag only blocks storing oversized responses.
	if int64(r.body.Len())+int64(len(b)) > maxCacheBodySize {
		r.bufferExceeded = true
	}
	return r.body.Write(b)
}
