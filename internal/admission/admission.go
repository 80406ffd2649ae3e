// Package admission implements the admission-control layer that sits in
// front of the multi-tenant API: per-tenant rate-limit decisions over
// fixed windows, concurrent-connection admission, tier policy
// resolution, and violation monitoring. All decisions are made against
// a shared store so horizontally scaled instances agree.
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

// ErrStoreUnavailable is surfaced when the shared store cannot be
// reached on the admission path. The accompanying Result reflects the
// configured fail-open/fail-closed policy, so callers may ignore the
// error or act on it.
var ErrStoreUnavailable = store.ErrUnavailable

// ErrInvalidPolicy is returned for policies violating the window and
// request-count constraints.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy is a single-window rate limit policy.
type Policy struct {
	// Window is the fixed window size. Must be >= 1s.
	Window time.Duration

	// MaxRequests is the number of requests admitted per window.
	// Must be >= 1.
	MaxRequests int
}

// Validate checks the policy constraints.
func (p Policy) Validate() error {
	if p.Window < time.Second {
		return fmt.Errorf("%w: window %s is below 1s", ErrInvalidPolicy, p.Window)
	}
	if p.MaxRequests < 1 {
		return fmt.Errorf("%w: maxRequests %d is below 1", ErrInvalidPolicy, p.MaxRequests)
	}
	return nil
}

// Result is the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Current is the observed count after this check's increment.
	Current int64

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetTime is when the current window ends.
	ResetTime time.Time

	// RetryAfter is how long to wait before retrying. Positive only
	// when the request was rejected.
	RetryAfter time.Duration
}

// Config holds configuration for the admission controller.
type Config struct {
	// FailOpen controls the decision when the store is unreachable:
	// true admits the request, false rejects it. Either way the error
	// is surfaced as ErrStoreUnavailable.
	FailOpen bool

	// ConnectionTTL is the heartbeat TTL applied to connection set
	// entries on every check.
	ConnectionTTL time.Duration

	// ViolationRetention bounds how long violation counters live in
	// the shared store.
	ViolationRetention time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailOpen:           true,
		ConnectionTTL:      90 * time.Second,
		ViolationRetention: time.Hour,
	}
}

// Controller evaluates admission decisions. It is safe for concurrent
// use; all shared mutable state lives in the store or in per-key
// structures.
type Controller struct {
	store    store.Store
	resolver *PolicyResolver
	monitor  *ViolationMonitor
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger

	failOpen           bool
	connectionTTL      time.Duration
	violationRetention time.Duration

	now func() time.Time
}

// NewController creates a new admission controller.
func NewController(
	s store.Store,
	resolver *PolicyResolver,
	monitor *ViolationMonitor,
	cfg *Config,
	logger observability.Logger,
) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &Controller{
		store:              s,
		resolver:           resolver,
		monitor:            monitor,
		logger:             logger,
		failOpen:           cfg.FailOpen,
		connectionTTL:      cfg.ConnectionTTL,
		violationRetention: cfg.ViolationRetention,
		now:                time.Now,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "admission-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("admission store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, store.ErrUnavailable)
		},
	})

	return c
}

// Resolver returns the controller's policy resolver.
func (c *Controller) Resolver() *PolicyResolver {
	return c.resolver
}

// SetBypass sets or clears the administrative bypass flag for a tenant.
func (c *Controller) SetBypass(tenantID string, bypass bool) {
	c.resolver.SetBypass(tenantID, bypass)
}

// IsBypassed reports whether the tenant bypasses admission control.
func (c *Controller) IsBypassed(tenantID string) bool {
	return c.resolver.IsBypassed(tenantID)
}

// CheckAdmission evaluates a single fixed-window rate limit for the
// given scope key. The counter is incremented exactly once regardless
// of outcome, so observed/limit ratios stay consistent. The request
// that reaches exactly the limit is admitted; the next one is rejected.
//
// Fixed windows trade boundary-burst accuracy (up to 2x nominal rate
// across a boundary) for O(1) counters in the shared store.
func (c *Controller) CheckAdmission(
	ctx context.Context,
	scopeKey string,
	policy Policy,
	tenantID, userID string,
) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if tenantID != "" && c.resolver != nil && c.resolver.IsBypassed(tenantID) {
		admissionBypassTotal.Inc()
		return &Result{
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetTime: c.now().Add(policy.Window),
		}, nil
	}

	now := c.now()
	key, windowEnd := counterKey(scopeKey, policy.Window, now)

	// Buffer past the window end so a counter read near the boundary
	// still resolves under clock skew.
	expiration := policy.Window + time.Second

	current, err := c.incrementWithBreaker(ctx, key, expiration)
	if err != nil {
		admissionStoreFailuresTotal.WithLabelValues("rate").Inc()
		c.logger.Warn("store failure during admission check",
			observability.String("scope", scopeKey),
			observability.Bool("failOpen", c.failOpen),
			observability.Error(err),
		)

		result := &Result{
			Allowed:   c.failOpen,
			Limit:     policy.MaxRequests,
			Remaining: 0,
			ResetTime: windowEnd,
		}
		if !c.failOpen {
			result.RetryAfter = retryAfter(now, windowEnd)
		}
		return result, fmt.Errorf("admission check for %s: %w", scopeKey, err)
	}

	allowed := current <= int64(policy.MaxRequests)

	remaining := policy.MaxRequests - int(current)
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   allowed,
		Limit:     policy.MaxRequests,
		Current:   current,
		Remaining: remaining,
		ResetTime: windowEnd,
	}

	if allowed {
		admissionDecisionsTotal.WithLabelValues("rate", "allowed").Inc()
		return result, nil
	}

	admissionDecisionsTotal.WithLabelValues("rate", "rejected").Inc()
	result.RetryAfter = retryAfter(now, windowEnd)

	c.recordViolation(&Violation{
		Timestamp: now,
		ScopeKey:  scopeKey,
		TenantID:  tenantID,
		UserID:    userID,
		Observed:  current,
		Limit:     policy.MaxRequests,
	})

	return result, nil
}

// counterKey returns the storage key for the scope's current fixed
// window and the time that window ends. The window size is part of the
// key so overlapping windows for the same scope never collide.
func counterKey(scopeKey string, window time.Duration, now time.Time) (string, time.Time) {
	windowMs := window.Milliseconds()
	windowStartMs := now.UnixMilli() / windowMs * windowMs
	key := fmt.Sprintf("rl:%s:%d:%d", scopeKey, windowMs, windowStartMs)
	return key, time.UnixMilli(windowStartMs + windowMs)
}

// incrementWithBreaker runs the atomic increment behind the circuit
// breaker so a dead store is not hammered by every request.
func (c *Controller) incrementWithBreaker(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	value, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.IncrementWithExpiry(ctx, key, 1, expiration)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: circuit open: %v", store.ErrUnavailable, err)
		}
		return 0, err
	}
	return value.(int64), nil
}

// recordViolation persists the violation counter and feeds the monitor.
// Both are best-effort and run detached so logging failures can never
// affect the admission decision.
func (c *Controller) recordViolation(v *Violation) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic while recording violation",
					observability.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if c.violationRetention > 0 {
			if _, err := c.store.IncrementWithExpiry(ctx, "viol:"+v.ScopeKey, 1, c.violationRetention); err != nil {
				c.logger.Debug("failed to persist violation counter",
					observability.String("scope", v.ScopeKey),
					observability.Error(err),
				)
			}
		}

		if c.monitor != nil {
			c.monitor.Record(ctx, v)
		}
	}()
}

// retryAfter computes the wait until the window resets, rounded up to a
// whole positive second so rejected callers always get a usable hint.
func retryAfter(now, resetTime time.Time) time.Duration {
	wait := resetTime.Sub(now)
	if wait <= 0 {
		return time.Second
	}

	rounded := wait.Truncate(time.Second)
	if rounded < wait {
		rounded += time.Second
	}
	return rounded
}
