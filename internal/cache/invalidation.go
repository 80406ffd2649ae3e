package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tenantgate/tenantgate/internal/observability"
)

// entityTags maps an entity type to the broad tags its changes dirty.
// A change additionally invalidates the narrow "{type}:{id}" tag and a
// pattern sweep over keys mentioning the entity id.
var entityTags = map[string][]string{
	"user":         {"users"},
	"organization": {"organizations", "users"},
	"project":      {"projects"},
	"subscription": {"subscriptions"},
}

// InvalidateByTag removes every entry indexed under the tag along with
// the tag set itself. Returns the number of entries removed.
func (c *ResponseCache) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	members, err := c.backend.SetMembers(ctx, tagKey(tag))
	if err != nil {
		return 0, fmt.Errorf("failed to read tag index %s: %w", tag, err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, fingerprint := range members {
		keys = append(keys, respKey(fingerprint))
	}
	keys = append(keys, tagKey(tag))

	if _, err := c.backend.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to invalidate tag %s: %w", tag, err)
	}

	// The tag set itself does not count as an invalidated entry.
	entries := int64(len(members))
	cacheInvalidationsTotal.WithLabelValues("tag").Add(float64(entries))

	c.logger.Debug("invalidated cache tag",
		observability.String("tag", tag),
		observability.Int64("entries", entries),
	)
	return entries, nil
}

// InvalidateByPattern removes every entry whose key matches the glob
// pattern. The pattern applies to the fingerprint space, so a route or
// entity id embedded in the fingerprint prefix can be targeted with
// "*segment*".
func (c *ResponseCache) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	removed, err := c.backend.DeleteByPattern(ctx, respKey(pattern))
	if err != nil {
		return removed, fmt.Errorf("failed to invalidate pattern %s: %w", pattern, err)
	}

	cacheInvalidationsTotal.WithLabelValues("pattern").Add(float64(removed))

	c.logger.Debug("invalidated cache pattern",
		observability.String("pattern", pattern),
		observability.Int64("entries", removed),
	)
	return removed, nil
}

// HandleDataChange invalidates everything a changed entity could have
// influenced: its broad type tags, its narrow "{type}:{id}" tag, and a
// pattern sweep for keys mentioning the id. All invalidations run
// concurrently; the first failure is reported after all complete.
func (c *ResponseCache) HandleDataChange(ctx context.Context, entityType, entityID string) error {
	tags := make([]string, 0, 3)
	tags = append(tags, entityTags[entityType]...)
	tags = append(tags, entityType+":"+entityID)

	g, gctx := errgroup.WithContext(ctx)

	for _, tag := range tags {
		g.Go(func() error {
			_, err := c.InvalidateByTag(gctx, tag)
			return err
		})
	}

	if entityID != "" {
		g.Go(func() error {
			_, err := c.InvalidateByPattern(gctx, "*"+entityID+"*")
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("data change invalidation for %s/%s: %w", entityType, entityID, err)
	}

	c.logger.Info("invalidated cache for data change",
		observability.String("entityType", entityType),
		observability.String("entityID", entityID),
	)
	return nil
}
