package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenantgate/tenantgate/internal/observability"
)

// scanBatchSize is the COUNT hint for SCAN-based pattern deletes.
const scanBatchSize = 100

// setAddMaxTTLScript adds a member and extends the set's expiry only
// when the requested TTL outlives the current one, so a tag index never
// expires before its newest member.
var setAddMaxTTLScript = redis.NewScript(`
	redis.call('SADD', KEYS[1], ARGV[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < tonumber(ARGV[2]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
`)

// RedisBackend stores cache entries in Redis.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	ttlJitter float64
	logger    observability.Logger
}

// RedisBackendConfig holds Redis cache backend settings.
type RedisBackendConfig struct {
	Address      string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTLJitter    float64
}

// DefaultRedisBackendConfig returns a RedisBackendConfig with defaults.
func DefaultRedisBackendConfig() *RedisBackendConfig {
	return &RedisBackendConfig{
		Address:     "localhost:6379",
		KeyPrefix:   "cache:",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		TTLJitter:   0.1,
	}
}

// NewRedisBackend creates a Redis cache backend and verifies the
// connection.
func NewRedisBackend(cfg *RedisBackendConfig, logger observability.Logger) (*RedisBackend, error) {
	if cfg == nil {
		cfg = DefaultRedisBackendConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis cache backend initialized",
		observability.String("address", cfg.Address),
		observability.String("keyPrefix", cfg.KeyPrefix),
		observability.Float64("ttlJitter", cfg.TTLJitter),
	)

	return &RedisBackend{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttlJitter: cfg.TTLJitter,
		logger:    logger,
	}, nil
}

// NewRedisBackendFromClient wraps an existing client, letting the cache
// share a connection pool with the quota store.
func NewRedisBackendFromClient(client *redis.Client, keyPrefix string, ttlJitter float64, logger observability.Logger) *RedisBackend {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		ttlJitter: ttlJitter,
		logger:    logger,
	}
}

// applyTTLJitter adds random jitter to a TTL so that entries written
// together do not all expire together. A factor of 0.1 varies the TTL
// by up to ±10%.
func applyTTLJitter(ttl time.Duration, factor float64) time.Duration {
	if factor <= 0 || ttl <= 0 {
		return ttl
	}
	if factor > 1.0 {
		factor = 1.0
	}
	jitter := time.Duration(float64(ttl) * factor * (2*rand.Float64() - 1))
	result := ttl + jitter
	if result <= 0 {
		return ttl
	}
	return result
}

// Get retrieves a value.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	defer b.observe("get")()

	value, err := b.client.Get(ctx, b.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		backendErrorsTotal.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value with a jittered TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer b.observe("set")()

	ttl = applyTTLJitter(ttl, b.ttlJitter)
	if err := b.client.Set(ctx, b.keyPrefix+key, value, ttl).Err(); err != nil {
		backendErrorsTotal.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	defer b.observe("delete")()

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = b.keyPrefix + key
	}

	removed, err := b.client.Del(ctx, full...).Result()
	if err != nil {
		backendErrorsTotal.WithLabelValues("redis", "delete").Inc()
		return 0, fmt.Errorf("redis delete: %w", err)
	}
	return removed, nil
}

// DeleteByPattern removes every key matching the glob pattern using a
// cursor-based SCAN so the server is never blocked by a KEYS call.
func (b *RedisBackend) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	defer b.observe("delete_pattern")()

	var removed int64
	iter := b.client.Scan(ctx, 0, b.keyPrefix+pattern, scanBatchSize).Iterator()

	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := b.client.Del(ctx, batch...).Result()
		removed += n
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				backendErrorsTotal.WithLabelValues("redis", "delete_pattern").Inc()
				return removed, fmt.Errorf("redis delete by pattern %s: %w", pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		backendErrorsTotal.WithLabelValues("redis", "delete_pattern").Inc()
		return removed, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if err := flush(); err != nil {
		backendErrorsTotal.WithLabelValues("redis", "delete_pattern").Inc()
		return removed, fmt.Errorf("redis delete by pattern %s: %w", pattern, err)
	}

	return removed, nil
}

// SetAdd adds a member to a set, extending the set TTL when needed.
func (b *RedisBackend) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	defer b.observe("set_add")()

	err := setAddMaxTTLScript.Run(ctx, b.client, []string{b.keyPrefix + key}, member, ttl.Milliseconds()).Err()
	if err != nil {
		backendErrorsTotal.WithLabelValues("redis", "set_add").Inc()
		return fmt.Errorf("redis set add %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of a set.
func (b *RedisBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	defer b.observe("set_members")()

	members, err := b.client.SMembers(ctx, b.keyPrefix+key).Result()
	if err != nil {
		backendErrorsTotal.WithLabelValues("redis", "set_members").Inc()
		return nil, fmt.Errorf("redis set members %s: %w", key, err)
	}
	return members, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) observe(operation string) func() {
	start := time.Now()
	return func() {
		backendOperationDuration.WithLabelValues("redis", operation).Observe(time.Since(start).Seconds())
	}
}
