package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// Limits is the set of effective numeric limits for a tenant.
type Limits struct {
	RequestsPerMinute        int
	RequestsPerHour          int
	RequestsPerDay           int
	MaxConcurrentConnections int
}

// LimitOverrides contains per-tenant limit overrides. Nil fields keep
// the tier default; set fields replace it.
type LimitOverrides struct {
	RequestsPerMinute        *int
	RequestsPerHour          *int
	RequestsPerDay           *int
	MaxConcurrentConnections *int
}

// TenantLimitProfile is a tenant's quota profile: tier assignment,
// optional overrides, and the bypass flag.
type TenantLimitProfile struct {
	TenantID  string
	Tier      string
	Overrides *LimitOverrides
	Bypass    bool
}

// PolicyProvider supplies tenant policy data. It abstracts the external
// subscription service; this core caches, but does not own, that data.
type PolicyProvider interface {
	GetTenantPolicy(ctx context.Context, tenantID string) (*TenantLimitProfile, error)
}

// PolicyProviderFunc adapts a function to the PolicyProvider interface.
type PolicyProviderFunc func(ctx context.Context, tenantID string) (*TenantLimitProfile, error)

// GetTenantPolicy implements PolicyProvider.
func (f PolicyProviderFunc) GetTenantPolicy(ctx context.Context, tenantID string) (*TenantLimitProfile, error) {
	return f(ctx, tenantID)
}

// cachedProfile is an in-process cache entry for a resolved profile.
type cachedProfile struct {
	profile   *TenantLimitProfile
	fetchedAt time.Time
}

// PolicyResolver maps tenants to their effective limits. Resolved
// profiles are cached in process with a TTL; tier defaults are
// hot-reloadable. All state is constructor-injected so isolated
// instances can coexist in tests.
type PolicyResolver struct {
	provider PolicyProvider
	logger   observability.Logger
	cacheTTL time.Duration

	mu    sync.RWMutex
	tiers map[string]config.TierConfig

	profiles sync.Map // tenantID -> *cachedProfile
	bypass   sync.Map // tenantID -> bool

	now func() time.Time
}

// NewPolicyResolver creates a new resolver.
func NewPolicyResolver(
	provider PolicyProvider,
	tiers map[string]config.TierConfig,
	cacheTTL time.Duration,
	logger observability.Logger,
) *PolicyResolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &PolicyResolver{
		provider: provider,
		logger:   logger,
		cacheTTL: cacheTTL,
		tiers:    cloneTiers(tiers),
		now:      time.Now,
	}
}

// Resolve returns the tenant's profile, consulting the in-process cache
// before the provider.
func (r *PolicyResolver) Resolve(ctx context.Context, tenantID string) (*TenantLimitProfile, error) {
	if value, ok := r.profiles.Load(tenantID); ok {
		cached := value.(*cachedProfile)
		if r.now().Sub(cached.fetchedAt) < r.cacheTTL {
			return cached.profile, nil
		}
		r.profiles.Delete(tenantID)
	}

	profile, err := r.provider.GetTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy for tenant %s: %w", tenantID, err)
	}

	r.profiles.Store(tenantID, &cachedProfile{
		profile:   profile,
		fetchedAt: r.now(),
	})

	return profile, nil
}

// EffectiveLimits returns the tenant's limits: tier defaults with the
// profile's overrides replacing matching fields only.
func (r *PolicyResolver) EffectiveLimits(profile *TenantLimitProfile) (Limits, error) {
	r.mu.RLock()
	tier, ok := r.tiers[profile.Tier]
	r.mu.RUnlock()

	if !ok {
		return Limits{}, fmt.Errorf("unknown tier %q for tenant %s", profile.Tier, profile.TenantID)
	}

	limits := Limits{
		RequestsPerMinute:        tier.RequestsPerMinute,
		RequestsPerHour:          tier.RequestsPerHour,
		RequestsPerDay:           tier.RequestsPerDay,
		MaxConcurrentConnections: tier.MaxConcurrentConnections,
	}

	if o := profile.Overrides; o != nil {
		if o.RequestsPerMinute != nil {
			limits.RequestsPerMinute = *o.RequestsPerMinute
		}
		if o.RequestsPerHour != nil {
			limits.RequestsPerHour = *o.RequestsPerHour
		}
		if o.RequestsPerDay != nil {
			limits.RequestsPerDay = *o.RequestsPerDay
		}
		if o.MaxConcurrentConnections != nil {
			limits.MaxConcurrentConnections = *o.MaxConcurrentConnections
		}
	}

	return limits, nil
}

// Invalidate drops the cached profile for a tenant. Called on tier
// changes so the next check sees fresh limits.
func (r *PolicyResolver) Invalidate(tenantID string) {
	r.profiles.Delete(tenantID)
}

// UpdateTiers replaces the tier default table (config hot reload). All
// cached profiles stay valid; only the defaults they resolve against
// change.
func (r *PolicyResolver) UpdateTiers(tiers map[string]config.TierConfig) {
	r.mu.Lock()
	r.tiers = cloneTiers(tiers)
	r.mu.Unlock()

	r.logger.Info("tier limit definitions updated",
		observability.Int("tiers", len(tiers)),
	)
}

// SetBypass sets or clears the administrative bypass flag for a tenant.
func (r *PolicyResolver) SetBypass(tenantID string, bypass bool) {
	if bypass {
		r.bypass.Store(tenantID, true)
	} else {
		r.bypass.Delete(tenantID)
	}

	r.logger.Info("tenant bypass flag changed",
		observability.String("tenant", tenantID),
		observability.Bool("bypass", bypass),
	)
}

// IsBypassed reports whether the tenant bypasses admission control,
// either via the administrative flag or its profile.
func (r *PolicyResolver) IsBypassed(tenantID string) bool {
	if _, ok := r.bypass.Load(tenantID); ok {
		return true
	}

	if value, ok := r.profiles.Load(tenantID); ok {
		return value.(*cachedProfile).profile.Bypass
	}

	return false
}

// cloneTiers copies the tier table so callers cannot mutate it.
func cloneTiers(tiers map[string]config.TierConfig) map[string]config.TierConfig {
	clone := make(map[string]config.TierConfig, len(tiers))
	for name, tier := range tiers {
		clone[name] = tier
	}
	return clone
}
