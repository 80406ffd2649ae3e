package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// respKey returns the storage key for a response entry.
func respKey(fingerprint string) string {
	return "resp:" + fingerprint
}

// tagKey returns the storage key for a tag index set.
func tagKey(tag string) string {
	return "tag:" + tag
}

// ResponseCache stores rendered responses keyed by request fingerprint
// and classifies them as fresh, stale, or expired on lookup.
type ResponseCache struct {
	backend     Backend
	logger      observability.Logger
	enabled     bool
	defaultTTL  time.Duration
	staleWindow time.Duration
	varyHeaders []string

	now func() time.Time
}

// NewResponseCache creates a response cache over the given backend.
func NewResponseCache(backend Backend, cfg *config.CacheConfig, logger observability.Logger) *ResponseCache {
	if cfg == nil {
		defaults := config.DefaultConfig().Cache
		cfg = &defaults
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &ResponseCache{
		backend:     backend,
		logger:      logger,
		enabled:     cfg.Enabled,
		defaultTTL:  cfg.DefaultTTL.Duration(),
		staleWindow: cfg.StaleWindow.Duration(),
		varyHeaders: cfg.VaryHeaders,
		now:         time.Now,
	}
}

// Enabled reports whether caching is active.
func (c *ResponseCache) Enabled() bool {
	return c.enabled
}

// Fingerprint derives the cache key for an HTTP request using the
// configured vary headers.
func (c *ResponseCache) Fingerprint(r *http.Request) string {
	return FingerprintRequest(r, c.varyHeaders)
}

// Lookup retrieves an entry and its freshness. Expired entries and
// entries that fail to decode report ErrCacheMiss; the undecodable
// ones are deleted so the next store heals the slot.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*Entry, Freshness, error) {
	if !c.enabled {
		return nil, Expired, ErrCacheDisabled
	}

	data, err := c.backend.Get(ctx, respKey(fingerprint))
	if err != nil {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, Expired, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("dropping undecodable cache entry",
			observability.String("fingerprint", fingerprint),
			observability.Error(err),
		)
		if _, delErr := c.backend.Delete(ctx, respKey(fingerprint)); delErr != nil {
			c.logger.Warn("failed to delete undecodable cache entry",
				observability.String("fingerprint", fingerprint),
				observability.Error(delErr),
			)
		}
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, Expired, ErrCacheMiss
	}

	freshness := entry.Classify(c.now())
	if freshness == Expired {
		cacheLookupsTotal.WithLabelValues("expired").Inc()
		return nil, Expired, ErrCacheMiss
	}

	cacheLookupsTotal.WithLabelValues(freshness.String()).Inc()
	return &entry, freshness, nil
}

// Store writes an entry under the fingerprint and indexes its tags.
// Missing entry fields are filled in: creation time, default TTL and
// stale window, a body-derived ETag, and a Last-Modified validator.
// The physical expiry is TTL plus the stale window, so entries leave
// the store as soon as they stop being servable.
func (c *ResponseCache) Store(ctx context.Context, fingerprint string, entry *Entry) error {
	if !c.enabled {
		return ErrCacheDisabled
	}

	now := c.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.TTL <= 0 {
		entry.TTL = c.defaultTTL
	}
	if entry.StaleWindow < 0 {
		entry.StaleWindow = 0
	} else if entry.StaleWindow == 0 {
		entry.StaleWindow = c.staleWindow
	}
	if entry.ETag == "" {
		entry.ETag = ComputeETag(entry.Body)
	}
	if entry.LastModified.IsZero() {
		entry.LastModified = entry.CreatedAt.Truncate(time.Second)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	physicalTTL := entry.TTL + entry.StaleWindow
	if err := c.backend.Set(ctx, respKey(fingerprint), data, physicalTTL); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	for _, tag := range entry.Tags {
		if err := c.backend.SetAdd(ctx, tagKey(tag), fingerprint, physicalTTL); err != nil {
			c.logger.Warn("failed to index cache entry tag",
				observability.String("fingerprint", fingerprint),
				observability.String("tag", tag),
				observability.Error(err),
			)
		}
	}

	cacheStoresTotal.Inc()
	return nil
}

// Delete removes a single entry.
func (c *ResponseCache) Delete(ctx context.Context, fingerprint string) error {
	_, err := c.backend.Delete(ctx, respKey(fingerprint))
	return err
}

// ConditionalCheck reports whether the client's cached copy is still
// valid. If-None-Match wins over If-Modified-Since when both are
// present.
func ConditionalCheck(entry *Entry, ifNoneMatch, ifModifiedSince string) bool {
	if ifNoneMatch != "" {
		return etagMatches(entry.ETag, ifNoneMatch)
	}

	if ifModifiedSince != "" && !entry.LastModified.IsZero() {
		since, err := http.ParseTime(ifModifiedSince)
		if err != nil {
			return false
		}
		return !entry.LastModified.Truncate(time.Second).After(since)
	}

	return false
}

// etagMatches checks an If-None-Match header value against the entry's
// ETag, handling the wildcard and comma-separated lists.
func etagMatches(etag, ifNoneMatch string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
