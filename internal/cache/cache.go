// Package cache fronts hot-tier latest-record reads with a short-TTL
// Redis look-aside. The write path never touches it; readers populate it
// on miss and any Redis failure degrades to a direct store read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
)

// Config holds the Redis connection settings. An empty Addr disables the
// cache entirely; every lookup then reports a miss.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the cache defaults. The cache stays disabled
// until an address is configured.
func DefaultConfig() Config {
	return Config{
		TTL: 60 * time.Second,
	}
}

// Cache is a look-aside cache for the most recent record per
// (type, exchange, symbol).
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Registry
}

// New builds a cache from config. With no address configured the
// returned cache is a disabled no-op.
func New(cfg Config, m *metrics.Registry) *Cache {
	if m == nil {
		m = metrics.Default()
	}
	if cfg.Addr == "" {
		return &Cache{ttl: cfg.TTL, metrics: m}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	return NewWithClient(client, cfg.TTL, m)
}

// NewWithClient wraps an existing Redis client. Tests inject mocks here.
func NewWithClient(client *redis.Client, ttl time.Duration, m *metrics.Registry) *Cache {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Cache{client: client, ttl: ttl, metrics: m}
}

// Enabled reports whether a Redis backend is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Key builds the cache key for a latest-record lookup.
func Key(dt models.DataType, exchange, symbol string) string {
	return fmt.Sprintf("latest:%s:%s:%s", dt, exchange, symbol)
}

// GetLatest returns the cached latest record, or (nil, false) on miss.
// Redis errors count as misses so the caller falls through to the store.
func (c *Cache) GetLatest(ctx context.Context, dt models.DataType, exchange, symbol string) (*models.Record, bool) {
	if !c.Enabled() {
		return nil, false
	}

	key := Key(dt, exchange, symbol)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling back to store")
		}
		c.metrics.CacheMisses.WithLabelValues(string(dt)).Inc()
		return nil, false
	}

	var rec models.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		c.client.Del(ctx, key)
		c.metrics.CacheMisses.WithLabelValues(string(dt)).Inc()
		return nil, false
	}

	c.metrics.CacheHits.WithLabelValues(string(dt)).Inc()
	return &rec, true
}

// SetLatest stores a record under its latest-key with the configured
// TTL. Failures are logged and swallowed; the cache is advisory.
func (c *Cache) SetLatest(ctx context.Context, rec *models.Record) {
	if !c.Enabled() || rec == nil {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode record for cache")
		return
	}

	key := Key(rec.Type, rec.Exchange, rec.Symbol)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// Healthy pings Redis. A disabled cache reports healthy.
func (c *Cache) Healthy(ctx context.Context) bool {
	if !c.Enabled() {
		return true
	}
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
