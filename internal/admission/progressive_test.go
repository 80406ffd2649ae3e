package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/admission/store"
	"github.com/tenantgate/tenantgate/internal/config"
)

// newProgressiveController builds a controller whose "free" tier allows
// 10/min, 20/hr, 40/day so thresholds are easy to cross in tests.
func newProgressiveController(t *testing.T) *Controller {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	tiers := map[string]config.TierConfig{
		"free": {
			RequestsPerMinute:        10,
			RequestsPerHour:          20,
			RequestsPerDay:           40,
			MaxConcurrentConnections: 5,
		},
	}

	resolver := NewPolicyResolver(staticProvider(&TenantLimitProfile{Tier: "free"}), tiers, time.Minute, nil)
	c := NewController(s, resolver, nil, DefaultConfig(), nil)

	current := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return current }

	return c
}

func TestCheckProgressive_AllowedUnderAllWindows(t *testing.T) {
	c := newProgressiveController(t)
	ctx := context.Background()

	pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
	require.NoError(t, err)

	assert.True(t, pr.Allowed)
	assert.Equal(t, 0, pr.WarningLevel)
	assert.Equal(t, WindowMinute, pr.BindingWindow)
	require.Len(t, pr.Windows, 3)
	assert.Equal(t, 10, pr.Windows[WindowMinute].Limit)
	assert.Equal(t, 20, pr.Windows[WindowHour].Limit)
	assert.Equal(t, 40, pr.Windows[WindowDay].Limit)
}

func TestCheckProgressive_WarningLevelMonotonic(t *testing.T) {
	c := newProgressiveController(t)
	ctx := context.Background()

	lastLevel := 0
	for i := 0; i < 10; i++ {
		pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
		require.NoError(t, err)
		require.True(t, pr.Allowed, "request %d", i+1)

		assert.GreaterOrEqual(t, pr.WarningLevel, lastLevel,
			"warning level must not decrease as usage grows")
		lastLevel = pr.WarningLevel
	}

	// At 10/10 on the minute window the worst ratio is >= 80%.
	assert.Equal(t, 3, lastLevel)
}

func TestCheckProgressive_MinuteWindowBinds(t *testing.T) {
	c := newProgressiveController(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
		require.NoError(t, err)
		require.True(t, pr.Allowed)
	}

	pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
	require.NoError(t, err)
	assert.False(t, pr.Allowed)
	assert.Equal(t, WindowMinute, pr.BindingWindow)
	assert.False(t, pr.Result.Allowed)
	assert.Greater(t, pr.Result.RetryAfter, time.Duration(0))
}

func TestCheckProgressive_HourWindowBinds(t *testing.T) {
	c := newProgressiveController(t)
	ctx := context.Background()

	// Drain the hour budget (20) across three minute windows without
	// ever exceeding the per-minute limit of 10.
	now := c.now()
	for i := 0; i < 20; i++ {
		if i > 0 && i%10 == 0 {
			now = now.Add(time.Minute)
			c.now = func() time.Time { return now }
		}
		pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
		require.NoError(t, err)
		require.True(t, pr.Allowed, "request %d", i+1)
	}

	now = now.Add(time.Minute)
	c.now = func() time.Time { return now }

	pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
	require.NoError(t, err)
	assert.False(t, pr.Allowed)
	// The representative result reports the actually-binding window.
	assert.Equal(t, WindowHour, pr.BindingWindow)
	assert.Equal(t, 20, pr.Result.Limit)
}

func TestCheckProgressive_Bypass(t *testing.T) {
	c := newProgressiveController(t)
	ctx := context.Background()

	c.SetBypass("acme", true)

	for i := 0; i < 50; i++ {
		pr, err := c.CheckProgressive(ctx, "acme:list", "acme", "")
		require.NoError(t, err)
		assert.True(t, pr.Allowed)
	}
}

func TestCheckProgressive_UnknownTier(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	resolver := NewPolicyResolver(staticProvider(&TenantLimitProfile{Tier: "platinum"}), testTiers(), time.Minute, nil)
	c := NewController(s, resolver, nil, DefaultConfig(), nil)

	_, err := c.CheckProgressive(context.Background(), "acme:list", "acme", "")
	assert.ErrorContains(t, err, "unknown tier")
}

func TestWarningLevel_Thresholds(t *testing.T) {
	tests := []struct {
		window  string
		current int64
		limit   int
		want    int
	}{
		{WindowMinute, 39, 100, 0},
		{WindowMinute, 40, 100, 1},
		{WindowMinute, 60, 100, 2},
		{WindowMinute, 80, 100, 3},
		{WindowHour, 59, 100, 0},
		{WindowHour, 60, 100, 1},
		{WindowHour, 75, 100, 2},
		{WindowHour, 90, 100, 3},
		{WindowDay, 69, 100, 0},
		{WindowDay, 70, 100, 1},
		{WindowDay, 85, 100, 2},
		{WindowDay, 95, 100, 3},
	}

	for _, tt := range tests {
		got := warningLevel(tt.window, &Result{Current: tt.current, Limit: tt.limit})
		assert.Equal(t, tt.want, got, "%s %d/%d", tt.window, tt.current, tt.limit)
	}
}
