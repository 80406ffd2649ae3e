package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/tenantgate/tenantgate/internal/admission/store"
)

// WindowUsage is the read-only view of one window's consumption.
type WindowUsage struct {
	// Limit is the maximum number of requests allowed in the window.
	Limit int `json:"limit"`

	// Current is the observed count so far. Reading it does not
	// increment it.
	Current int64 `json:"current"`

	// Remaining is the number of requests left in the window.
	Remaining int `json:"remaining"`

	// ResetTime is when the window ends.
	ResetTime time.Time `json:"resetTime"`
}

// UsageReport is the tenant's current consumption across all
// progressive windows plus its live connection count.
type UsageReport struct {
	TenantID    string                 `json:"tenantId"`
	ScopeKey    string                 `json:"scopeKey"`
	Windows     map[string]WindowUsage `json:"windows"`
	Connections int64                  `json:"connections"`
}

// Usage reports the scope's current window counters and the tenant's
// connection count without incrementing anything, for administrative
// inspection. A window with no counter yet reads as zero.
func (c *Controller) Usage(ctx context.Context, scopeKey, tenantID string) (*UsageReport, error) {
	profile, err := c.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limits, err := c.resolver.EffectiveLimits(profile)
	if err != nil {
		return nil, err
	}

	now := c.now()
	report := &UsageReport{
		TenantID: tenantID,
		ScopeKey: scopeKey,
		Windows:  make(map[string]WindowUsage, 3),
	}

	for _, p := range windowPolicies(limits) {
		key, windowEnd := counterKey(scopeKey, p.policy.Window, now)

		current, err := c.store.Get(ctx, key)
		if err != nil && !store.IsKeyNotFound(err) {
			return nil, fmt.Errorf("usage lookup for %s: %w", scopeKey, err)
		}

		remaining := p.policy.MaxRequests - int(current)
		if remaining < 0 {
			remaining = 0
		}

		report.Windows[p.name] = WindowUsage{
			Limit:     p.policy.MaxRequests,
			Current:   current,
			Remaining: remaining,
			ResetTime: windowEnd,
		}
	}

	connections, err := c.store.SetCard(ctx, tenantConnKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("connection count for %s: %w", tenantID, err)
	}
	report.Connections = connections

	return report, nil
}

// ResetQuota deletes the scope's current window counters so the next
// check starts from zero. Past windows are left to age out on their
// own expiry.
func (c *Controller) ResetQuota(ctx context.Context, scopeKey string) error {
	now := c.now()

	for _, window := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour} {
		key, _ := counterKey(scopeKey, window, now)
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("quota reset for %s: %w", scopeKey, err)
		}
	}

	return nil
}
