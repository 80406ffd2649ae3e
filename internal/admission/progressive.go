package admission

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Window names for progressive checks.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// ProgressiveResult is the outcome of a multi-window check.
type ProgressiveResult struct {
	// Allowed is the AND of all three window checks.
	Allowed bool

	// WarningLevel is 0..3, derived from the worst usage ratio across
	// windows.
	WarningLevel int

	// Result is the representative window's info: the binding
	// (rejecting) window when rejected, the minute window otherwise.
	Result *Result

	// BindingWindow names the representative window.
	BindingWindow string

	// Windows holds the per-window results.
	Windows map[string]*Result
}

// windowPolicy pairs a progressive window name with its policy.
type windowPolicy struct {
	name   string
	policy Policy
}

// windowPolicies returns the minute, hour, and day policies for the
// given effective limits.
func windowPolicies(limits Limits) []windowPolicy {
	return []windowPolicy{
		{WindowMinute, Policy{Window: time.Minute, MaxRequests: limits.RequestsPerMinute}},
		{WindowHour, Policy{Window: time.Hour, MaxRequests: limits.RequestsPerHour}},
		{WindowDay, Policy{Window: 24 * time.Hour, MaxRequests: limits.RequestsPerDay}},
	}
}

// warningThresholds maps each window to its usage-ratio thresholds for
// warning levels 3, 2, and 1. Longer windows warn later because their
// usage accumulates more slowly.
var warningThresholds = map[string][3]float64{
	WindowMinute: {0.80, 0.60, 0.40},
	WindowHour:   {0.90, 0.75, 0.60},
	WindowDay:    {0.95, 0.85, 0.70},
}

// CheckProgressive runs fixed-window checks over the minute, hour, and
// day windows concurrently using the tenant's tier-derived limits. The
// overall decision is the AND of all three; the representative result
// is the binding window when rejected and the minute window otherwise.
func (c *Controller) CheckProgressive(
	ctx context.Context,
	scopeKey, tenantID, userID string,
) (*ProgressiveResult, error) {
	if c.resolver != nil && c.resolver.IsBypassed(tenantID) {
		admissionBypassTotal.Inc()
		r := &Result{Allowed: true}
		return &ProgressiveResult{
			Allowed:       true,
			Result:        r,
			BindingWindow: WindowMinute,
			Windows:       map[string]*Result{WindowMinute: r},
		}, nil
	}

	profile, err := c.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limits, err := c.resolver.EffectiveLimits(profile)
	if err != nil {
		return nil, err
	}

	policies := windowPolicies(limits)

	results := make([]*Result, len(policies))
	errs := make([]error, len(policies))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range policies {
		g.Go(func() error {
			results[i], errs[i] = c.CheckAdmission(gctx, scopeKey, p.policy, tenantID, userID)
			if results[i] == nil {
				// Validation failures abort the whole check; store
				// outages leave a usable fail-open/closed result.
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("progressive check for %s: %w", scopeKey, err)
	}

	pr := &ProgressiveResult{
		Allowed: true,
		Windows: make(map[string]*Result, len(policies)),
	}

	var firstErr error
	for i, p := range policies {
		r := results[i]
		pr.Windows[p.name] = r
		pr.Allowed = pr.Allowed && r.Allowed

		if level := warningLevel(p.name, r); level > pr.WarningLevel {
			pr.WarningLevel = level
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
		if !r.Allowed && pr.BindingWindow == "" {
			pr.BindingWindow = p.name
			pr.Result = r
		}
	}

	if pr.Allowed {
		pr.BindingWindow = WindowMinute
		pr.Result = pr.Windows[WindowMinute]
	}

	return pr, firstErr
}

// warningLevel derives the 0..3 warning level for one window's usage.
func warningLevel(window string, r *Result) int {
	if r.Limit <= 0 {
		return 0
	}

	ratio := float64(r.Current) / float64(r.Limit)
	thresholds := warningThresholds[window]

	switch {
	case ratio >= thresholds[0]:
		return 3
	case ratio >= thresholds[1]:
		return 2
	case ratio >= thresholds[2]:
		return 1
	default:
		return 0
	}
}
