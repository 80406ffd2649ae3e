package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tenantgate/tenantgate/internal/admission/store"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// tenantConnKey returns the tenant-scoped connection set key.
func tenantConnKey(tenantID string) string {
	return "conn:tenant:" + tenantID
}

// userConnKey returns the user-scoped connection set key.
func userConnKey(userID string) string {
	return "conn:user:" + userID
}

// CheckConcurrentConnections admits or rejects a new connection for the
// tenant. The connection id is added to the tenant-scoped and
// user-scoped sets with a short heartbeat TTL; calling this again for a
// live connection refreshes the TTL. On rejection the just-added member
// is removed so it does not count toward future checks.
func (c *Controller) CheckConcurrentConnections(
	ctx context.Context,
	tenantID, userID, connectionID string,
) (*Result, error) {
	if c.resolver != nil && c.resolver.IsBypassed(tenantID) {
		admissionBypassTotal.Inc()
		return &Result{Allowed: true}, nil
	}

	profile, err := c.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limits, err := c.resolver.EffectiveLimits(profile)
	if err != nil {
		return nil, err
	}
	limit := limits.MaxConcurrentConnections

	size, err := c.setAddWithBreaker(ctx, tenantConnKey(tenantID), connectionID)
	if err != nil {
		admissionStoreFailuresTotal.WithLabelValues("connections").Inc()
		c.logger.Warn("store failure during connection check",
			observability.String("tenant", tenantID),
			observability.Bool("failOpen", c.failOpen),
			observability.Error(err),
		)
		return &Result{Allowed: c.failOpen, Limit: limit}, fmt.Errorf("connection check for %s: %w", tenantID, err)
	}

	if userID != "" {
		if _, err := c.setAddWithBreaker(ctx, userConnKey(userID), connectionID); err != nil {
			c.logger.Debug("failed to track user connection",
				observability.String("user", userID),
				observability.Error(err),
			)
		}
	}

	allowed := size <= int64(limit)

	result := &Result{
		Allowed:   allowed,
		Limit:     limit,
		Current:   size,
		Remaining: maxInt(limit-int(size), 0),
	}

	if allowed {
		admissionDecisionsTotal.WithLabelValues("connections", "allowed").Inc()
		return result, nil
	}

	admissionDecisionsTotal.WithLabelValues("connections", "rejected").Inc()
	result.RetryAfter = time.Second

	// Roll back the membership so the rejected connection does not
	// count toward future checks.
	c.removeMembers(ctx, tenantID, userID, connectionID)

	c.recordViolation(&Violation{
		Timestamp: c.now(),
		ScopeKey:  tenantConnKey(tenantID),
		TenantID:  tenantID,
		UserID:    userID,
		Observed:  size,
		Limit:     limit,
	})

	return result, nil
}

// RemoveConnection removes a connection id on graceful disconnect.
// Entries also age out via the heartbeat TTL, so a missed removal
// self-heals.
func (c *Controller) RemoveConnection(ctx context.Context, tenantID, userID, connectionID string) error {
	if err := c.store.SetRemove(ctx, tenantConnKey(tenantID), connectionID); err != nil {
		return fmt.Errorf("failed to remove connection for tenant %s: %w", tenantID, err)
	}
	if userID != "" {
		if err := c.store.SetRemove(ctx, userConnKey(userID), connectionID); err != nil {
			return fmt.Errorf("failed to remove connection for user %s: %w", userID, err)
		}
	}
	return nil
}

// setAddWithBreaker runs the set add behind the circuit breaker.
func (c *Controller) setAddWithBreaker(ctx context.Context, key, member string) (int64, error) {
	value, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.SetAdd(ctx, key, member, c.connectionTTL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: circuit open: %v", store.ErrUnavailable, err)
		}
		return 0, err
	}
	return value.(int64), nil
}

// removeMembers removes the connection id from both sets, best-effort.
func (c *Controller) removeMembers(ctx context.Context, tenantID, userID, connectionID string) {
	if err := c.store.SetRemove(ctx, tenantConnKey(tenantID), connectionID); err != nil {
		c.logger.Debug("failed to roll back tenant connection",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
	}
	if userID != "" {
		if err := c.store.SetRemove(ctx, userConnKey(userID), connectionID); err != nil {
			c.logger.Debug("failed to roll back user connection",
				observability.String("user", userID),
				observability.Error(err),
			)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
