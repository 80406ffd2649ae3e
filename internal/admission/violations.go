package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenantgate/tenantgate/internal/observability"
)

// Violation records a single rejected admission check.
type Violation struct {
	Timestamp time.Time
	ScopeKey  string
	TenantID  string
	UserID    string
	Observed  int64
	Limit     int
}

// Alert is an aggregated notification for repeated violations.
type Alert struct {
	ID        string
	TenantID  string
	UserID    string
	ScopeKey  string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// AlertSink receives alerts. Implementations must not block for long;
// the monitor calls them synchronously under its own goroutine.
type AlertSink interface {
	EmitAlert(ctx context.Context, alert *Alert)
}

// AlertSinkFunc adapts a function to the AlertSink interface.
type AlertSinkFunc func(ctx context.Context, alert *Alert)

// EmitAlert implements AlertSink.
func (f AlertSinkFunc) EmitAlert(ctx context.Context, alert *Alert) {
	f(ctx, alert)
}

// violationEntry tracks repeated violations for one (tenant, user) pair.
type violationEntry struct {
	count         int
	firstSeen     time.Time
	lastSeen      time.Time
	lastAlertTime time.Time
}

// ViolationMonitor debounces repeated violations into alerts. State is
// held in a bounded in-process map and is not persisted: counts reset on
// restart, which is an accepted limitation.
type ViolationMonitor struct {
	sink       AlertSink
	logger     observability.Logger
	threshold  int
	cooldown   time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*violationEntry

	now func() time.Time
}

// MonitorConfig configures a ViolationMonitor.
type MonitorConfig struct {
	// AlertThreshold is the violation count at which an alert fires.
	AlertThreshold int

	// AlertCooldown is the minimum time between alerts for one key.
	AlertCooldown time.Duration

	// MaxEntries bounds the tracked key set.
	MaxEntries int
}

// DefaultMonitorConfig returns a MonitorConfig with default values.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		AlertThreshold: 10,
		AlertCooldown:  5 * time.Minute,
		MaxEntries:     10000,
	}
}

// NewViolationMonitor creates a new monitor.
func NewViolationMonitor(cfg *MonitorConfig, sink AlertSink, logger observability.Logger) *ViolationMonitor {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &ViolationMonitor{
		sink:       sink,
		logger:     logger,
		threshold:  cfg.AlertThreshold,
		cooldown:   cfg.AlertCooldown,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*violationEntry),
		now:        time.Now,
	}
}

// Record registers a violation and fires an alert once the count
// reaches the threshold and the cooldown has passed. The count resets
// after each alert.
func (m *ViolationMonitor) Record(ctx context.Context, v *Violation) {
	violationsRecordedTotal.Inc()

	key := v.TenantID
	if v.UserID != "" {
		key += ":" + v.UserID
	}

	alert := m.update(key, v)
	if alert == nil {
		return
	}

	alertsEmittedTotal.Inc()
	m.logger.Warn("violation alert fired",
		observability.String("tenant", alert.TenantID),
		observability.String("scope", alert.ScopeKey),
		observability.Int("count", alert.Count),
	)

	if m.sink != nil {
		m.sink.EmitAlert(ctx, alert)
	}
}

// update applies the violation under the lock and returns an alert if
// one should fire.
func (m *ViolationMonitor) update(key string, v *Violation) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	e, ok := m.entries[key]
	if !ok {
		if len(m.entries) >= m.maxEntries {
			m.evictOldest()
		}
		e = &violationEntry{firstSeen: now}
		m.entries[key] = e
	}

	e.count++
	e.lastSeen = now

	if e.count < m.threshold || now.Sub(e.lastAlertTime) <= m.cooldown {
		return nil
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		TenantID:  v.TenantID,
		UserID:    v.UserID,
		ScopeKey:  v.ScopeKey,
		Count:     e.count,
		FirstSeen: e.firstSeen,
		LastSeen:  e.lastSeen,
	}

	e.count = 0
	e.firstSeen = now
	e.lastAlertTime = now

	return alert
}

// evictOldest removes the least recently seen entry.
// Caller must hold m.mu.
func (m *ViolationMonitor) evictOldest() {
	var oldestKey string
	var oldest time.Time

	for key, e := range m.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = e.lastSeen
		}
	}

	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (m *ViolationMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
