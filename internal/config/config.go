// Package config provides configuration loading and validation for the
// admission and caching core.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Store types.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// Config is the root configuration for the service.
type Config struct {
	Logging      LoggingConfig         `yaml:"logging"`
	Server       ServerConfig          `yaml:"server"`
	Store        StoreConfig           `yaml:"store"`
	Admission    AdmissionConfig       `yaml:"admission"`
	Tiers        map[string]TierConfig `yaml:"tiers"`
	Violations   ViolationsConfig      `yaml:"violations"`
	Cache        CacheConfig           `yaml:"cache"`
	Revalidation RevalidationConfig    `yaml:"revalidation"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// UpstreamURL is the origin the service fronts. Requests passing
	// admission and missing the cache are proxied here. When empty the
	// service answers API requests with 404, which is useful for
	// probing the middleware chain in isolation.
	UpstreamURL string `yaml:"upstreamURL"`
}

// StoreConfig configures the shared quota/cache store.
type StoreConfig struct {
	Type  string       `yaml:"type"`
	Redis *RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	KeyPrefix    string   `yaml:"keyPrefix"`
	PoolSize     int      `yaml:"poolSize"`
	MinIdleConns int      `yaml:"minIdleConns"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	// FailOpen controls store-outage behavior on the admission path.
	// When true (the default) requests are admitted if the store is
	// unreachable; when false they are rejected.
	FailOpen *bool `yaml:"failOpen"`

	// PolicyCacheTTL is how long resolved tenant profiles are cached
	// in process before the provider is consulted again.
	PolicyCacheTTL Duration `yaml:"policyCacheTTL"`

	// ConnectionTTL is the heartbeat TTL applied to connection set
	// entries on every check.
	ConnectionTTL Duration `yaml:"connectionTTL"`

	// DefaultTier is assigned to tenants with no explicit tier.
	DefaultTier string `yaml:"defaultTier"`
}

// TierConfig defines the default limits for a tenant tier.
type TierConfig struct {
	RequestsPerMinute        int `yaml:"requestsPerMinute"`
	RequestsPerHour          int `yaml:"requestsPerHour"`
	RequestsPerDay           int `yaml:"requestsPerDay"`
	MaxConcurrentConnections int `yaml:"maxConcurrentConnections"`
}

// ViolationsConfig configures violation recording and alerting.
type ViolationsConfig struct {
	AlertThreshold int      `yaml:"alertThreshold"`
	AlertCooldown  Duration `yaml:"alertCooldown"`
	RetentionTTL   Duration `yaml:"retentionTTL"`
	MaxEntries     int      `yaml:"maxEntries"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled      bool     `yaml:"enabled"`
	KeyPrefix    string   `yaml:"keyPrefix"`
	DefaultTTL   Duration `yaml:"defaultTTL"`
	StaleWindow  Duration `yaml:"staleWindow"`
	StaleIfError Duration `yaml:"staleIfError"`
	TTLJitter    float64  `yaml:"ttlJitter"`
	VaryHeaders  []string `yaml:"varyHeaders"`
}

// RevalidationConfig configures background revalidation.
type RevalidationConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	failOpen := true
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Type: StoreTypeMemory,
		},
		Admission: AdmissionConfig{
			FailOpen:       &failOpen,
			PolicyCacheTTL: Duration(5 * time.Minute),
			ConnectionTTL:  Duration(90 * time.Second),
			DefaultTier:    "free",
		},
		Tiers: map[string]TierConfig{
			"free": {
				RequestsPerMinute:        60,
				RequestsPerHour:          1000,
				RequestsPerDay:           10000,
				MaxConcurrentConnections: 5,
			},
			"pro": {
				RequestsPerMinute:        600,
				RequestsPerHour:          20000,
				RequestsPerDay:           200000,
				MaxConcurrentConnections: 50,
			},
		},
		Violations: ViolationsConfig{
			AlertThreshold: 10,
			AlertCooldown:  Duration(5 * time.Minute),
			RetentionTTL:   Duration(time.Hour),
			MaxEntries:     10000,
		},
		Cache: CacheConfig{
			Enabled:     true,
			KeyPrefix:   "cache:",
			DefaultTTL:  Duration(5 * time.Minute),
			StaleWindow: Duration(time.Minute),
			TTLJitter:   0.1,
			VaryHeaders: []string{"Accept", "Accept-Encoding"},
		},
		Revalidation: RevalidationConfig{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// FailOpenEnabled returns the effective fail-open setting.
func (c *AdmissionConfig) FailOpenEnabled() bool {
	if c.FailOpen == nil {
		return true
	}
	return *c.FailOpen
}

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Store.Type != StoreTypeMemory && cfg.Store.Type != StoreTypeRedis {
		return fmt.Errorf("unknown store type: %q", cfg.Store.Type)
	}
	if cfg.Store.Type == StoreTypeRedis {
		if cfg.Store.Redis == nil || cfg.Store.Redis.Address == "" {
			return errors.New("store.redis.address is required for redis store")
		}
	}

	for name, tier := range cfg.Tiers {
		if err := validateTier(name, tier); err != nil {
			return err
		}
	}

	if cfg.Admission.DefaultTier != "" {
		if _, ok := cfg.Tiers[cfg.Admission.DefaultTier]; !ok {
			return fmt.Errorf("admission.defaultTier %q is not a defined tier", cfg.Admission.DefaultTier)
		}
	}

	if cfg.Violations.AlertThreshold < 1 {
		return errors.New("violations.alertThreshold must be >= 1")
	}
	if cfg.Violations.MaxEntries < 1 {
		return errors.New("violations.maxEntries must be >= 1")
	}

	if cfg.Cache.TTLJitter < 0 || cfg.Cache.TTLJitter > 1 {
		return errors.New("cache.ttlJitter must be in [0, 1]")
	}
	if cfg.Cache.Enabled && cfg.Cache.DefaultTTL.Duration() <= 0 {
		return errors.New("cache.defaultTTL must be positive when cache is enabled")
	}

	if cfg.Revalidation.Timeout.Duration() <= 0 {
		return errors.New("revalidation.timeout must be positive")
	}

	return nil
}

// validateTier checks a single tier definition.
func validateTier(name string, tier TierConfig) error {
	if tier.RequestsPerMinute < 1 {
		return fmt.Errorf("tier %q: requestsPerMinute must be >= 1", name)
	}
	if tier.RequestsPerHour < 1 {
		return fmt.Errorf("tier %q: requestsPerHour must be >= 1", name)
	}
	if tier.RequestsPerDay < 1 {
		return fmt.Errorf("tier %q: requestsPerDay must be >= 1", name)
	}
	if tier.MaxConcurrentConnections < 1 {
		return fmt.Errorf("tier %q: maxConcurrentConnections must be >= 1", name)
	}
	return nil
}
