// Package config assembles every tunable of the storage service into one
// YAML-backed tree: file values override defaults, environment variables
// override the file, and validation runs before anything connects.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/marketprism/storage/internal/api"
	"github.com/marketprism/storage/internal/bus"
	"github.com/marketprism/storage/internal/cache"
	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/lifecycle"
	"github.com/marketprism/storage/internal/pipeline"
	"github.com/marketprism/storage/internal/schema"
)

// Service roles. The hot role runs the full ingest pipeline plus
// hot-to-cold migration; the cold role maintains the migration target
// and its retention only.
const (
	ModeHot  = "hot"
	ModeCold = "cold"
)

// MigrationSection wraps the engine config with scheduling knobs. An
// empty cron schedule falls back to the engine's own cycle-interval
// loop.
type MigrationSection struct {
	Enabled                   bool   `yaml:"enabled"`
	Schedule                  string `yaml:"schedule"`
	lifecycle.MigrationConfig `yaml:",inline"`
}

// CleanupSection wraps the retention config with its cron schedule.
type CleanupSection struct {
	Enabled                 bool   `yaml:"enabled"`
	Schedule                string `yaml:"schedule"`
	lifecycle.CleanupConfig `yaml:",inline"`
}

// Config is the root configuration tree.
type Config struct {
	Mode     string `yaml:"storage_mode"`
	LogLevel string `yaml:"log_level"`

	Hot  clickhouse.Config `yaml:"hot_clickhouse"`
	Cold clickhouse.Config `yaml:"cold_clickhouse"`

	Pool clickhouse.PoolConfig `yaml:"pool"`

	HotSchema  schema.TierConfig `yaml:"hot_schema"`
	ColdSchema schema.TierConfig `yaml:"cold_schema"`

	Queue  pipeline.QueueConfig  `yaml:"queue"`
	Writer pipeline.WriterConfig `yaml:"writer"`

	Bus bus.Config `yaml:"nats"`

	Migration MigrationSection `yaml:"migration"`
	Cleanup   CleanupSection   `yaml:"cleanup"`

	Cache cache.Config `yaml:"cache"`
	API   api.Config   `yaml:"api"`
}

// DefaultConfig returns a complete hot-role configuration with every
// component at its documented default.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeHot,
		LogLevel: "info",
		Hot:      clickhouse.DefaultConfig(),
		Cold:     clickhouse.DefaultConfig(),
		Pool:     clickhouse.DefaultPoolConfig(),

		HotSchema:  schema.DefaultHotTierConfig(),
		ColdSchema: schema.DefaultColdTierConfig(),

		Queue:  pipeline.DefaultQueueConfig(),
		Writer: pipeline.DefaultWriterConfig(),
		Bus:    bus.DefaultConfig(),

		Migration: MigrationSection{
			Enabled:         true,
			Schedule:        "0 * * * *",
			MigrationConfig: lifecycle.DefaultMigrationConfig(),
		},
		Cleanup: CleanupSection{
			Enabled:       true,
			Schedule:      "0 4 * * *",
			CleanupConfig: lifecycle.DefaultCleanupConfig(),
		},

		Cache: cache.DefaultConfig(),
		API:   api.DefaultConfig(),
	}
}

// Load reads the config file over the defaults, applies environment
// overrides, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv layers the documented environment overrides on top of file
// values.
func (c *Config) applyEnv() {
	if v := os.Getenv("STORAGE_MODE"); v != "" {
		c.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("STORAGE_DURABLE_PREFIX"); v != "" {
		c.Bus.DurablePrefix = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	applyStoreEnv("CLICKHOUSE", &c.Hot)
	applyStoreEnv("COLD_CLICKHOUSE", &c.Cold)
}

func applyStoreEnv(prefix string, cfg *clickhouse.Config) {
	if v := os.Getenv(prefix + "_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(prefix + "_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(prefix + "_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv(prefix + "_DATABASE"); v != "" {
		cfg.Database = v
	}
}

// finalize settles derived values: the schema databases follow the store
// endpoints unless set explicitly.
func (c *Config) finalize() {
	if c.HotSchema.Database == "" || c.HotSchema.Database == schema.DefaultHotTierConfig().Database {
		c.HotSchema.Database = c.Hot.Database
	}
	if c.ColdSchema.Database == "" || c.ColdSchema.Database == schema.DefaultColdTierConfig().Database {
		c.ColdSchema.Database = c.Cold.Database
	}
}

// Validate checks every section. A failure here is fatal at startup;
// the service never runs on a config it cannot trust.
func (c *Config) Validate() error {
	if c.Mode != ModeHot && c.Mode != ModeCold {
		return fmt.Errorf("storage_mode must be %q or %q, got %q", ModeHot, ModeCold, c.Mode)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.Mode == ModeHot {
		if c.Hot.Host == "" {
			return fmt.Errorf("hot_clickhouse.host cannot be empty")
		}
		if err := validatePort("hot_clickhouse.port", c.Hot.Port); err != nil {
			return err
		}
		if c.Bus.URL == "" {
			return fmt.Errorf("nats.url cannot be empty in hot mode")
		}
		if c.Pool.MaxSize <= 0 {
			return fmt.Errorf("pool.max_size must be positive, got %d", c.Pool.MaxSize)
		}
		if c.Pool.PreWarm < 0 || c.Pool.PreWarm > c.Pool.MaxSize {
			return fmt.Errorf("pool.pre_warm must be between 0 and max_size, got %d", c.Pool.PreWarm)
		}
		if c.Writer.MaxRetries < 0 {
			return fmt.Errorf("writer.max_retries cannot be negative, got %d", c.Writer.MaxRetries)
		}
		for dt, policy := range c.Queue.Policies {
			if policy.BatchSize <= 0 {
				return fmt.Errorf("queue.policies.%s.batch_size must be positive, got %d", dt, policy.BatchSize)
			}
			if policy.MaxQueue < policy.BatchSize {
				return fmt.Errorf("queue.policies.%s.max_queue (%d) must be >= batch_size (%d)",
					dt, policy.MaxQueue, policy.BatchSize)
			}
		}
	}

	if c.Mode == ModeCold || c.Migration.Enabled {
		if c.Cold.Host == "" {
			return fmt.Errorf("cold_clickhouse.host cannot be empty")
		}
		if err := validatePort("cold_clickhouse.port", c.Cold.Port); err != nil {
			return err
		}
	}

	if c.Migration.Enabled {
		if c.Migration.AgeThresholdHours <= 0 {
			return fmt.Errorf("migration.age_threshold_hours must be positive, got %d", c.Migration.AgeThresholdHours)
		}
		if c.Migration.BatchSize <= 0 {
			return fmt.Errorf("migration.batch_size must be positive, got %d", c.Migration.BatchSize)
		}
		if c.Migration.ParallelWorkers <= 0 {
			return fmt.Errorf("migration.parallel_workers must be positive, got %d", c.Migration.ParallelWorkers)
		}
		if err := validateHour("migration.window_start_hour", c.Migration.WindowStartHour); err != nil {
			return err
		}
		if err := validateHour("migration.window_end_hour", c.Migration.WindowEndHour); err != nil {
			return err
		}
		if err := validateSchedule("migration.schedule", c.Migration.Schedule); err != nil {
			return err
		}
	}

	if c.Cleanup.Enabled {
		if c.Cleanup.MaxAgeDays <= 0 {
			return fmt.Errorf("cleanup.max_age_days must be positive, got %d", c.Cleanup.MaxAgeDays)
		}
		if c.Cleanup.SmartCleanup &&
			(c.Cleanup.DiskThresholdPercent <= 0 || c.Cleanup.DiskThresholdPercent > 100) {
			return fmt.Errorf("cleanup.disk_threshold_percent must be in (0, 100], got %g",
				c.Cleanup.DiskThresholdPercent)
		}
		if c.Cleanup.Schedule == "" {
			return fmt.Errorf("cleanup.schedule cannot be empty when cleanup is enabled")
		}
		if err := validateSchedule("cleanup.schedule", c.Cleanup.Schedule); err != nil {
			return err
		}
	}

	if err := validatePort("api.port", c.API.Port); err != nil {
		return err
	}
	if c.Cache.Addr != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be in (0, 65535], got %d", name, port)
	}
	return nil
}

func validateHour(name string, hour int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s must be between 0 and 23, got %d", name, hour)
	}
	return nil
}

func validateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid cron expression %q: %w", name, spec, err)
	}
	return nil
}

// Redacted returns the config view served on the admin surface with
// credentials masked. Durations render as strings so the output reads
// like the YAML it came from.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"storage_mode":    c.Mode,
		"log_level":       c.LogLevel,
		"hot_clickhouse":  redactStore(c.Hot),
		"cold_clickhouse": redactStore(c.Cold),
		"pool": map[string]any{
			"max_size":         c.Pool.MaxSize,
			"pre_warm":         c.Pool.PreWarm,
			"acquire_timeout":  c.Pool.AcquireTimeout.String(),
			"monitor_interval": c.Pool.MonitorInterval.String(),
		},
		"hot_schema":  tierView(c.HotSchema),
		"cold_schema": tierView(c.ColdSchema),
		"queue": map[string]any{
			"maintenance_interval": c.Queue.MaintenanceInterval.String(),
			"block_warn_threshold": c.Queue.BlockWarnThreshold.String(),
			"failure_backoff_base": c.Queue.FailureBackoffBase.String(),
			"failure_backoff_max":  c.Queue.FailureBackoffMax.String(),
			"policies":             c.Queue.Policies,
		},
		"writer": map[string]any{
			"max_retries":            c.Writer.MaxRetries,
			"base_delay":             c.Writer.BaseDelay.String(),
			"rate_limit_base_delay":  c.Writer.RateLimitBaseDelay.String(),
			"multiplier":             c.Writer.Multiplier,
			"max_delay":              c.Writer.MaxDelay.String(),
			"max_consecutive_errors": c.Writer.MaxConsecutiveErrors,
			"breaker_cooldown":       c.Writer.BreakerCooldown.String(),
		},
		"nats": map[string]any{
			"url":             redactURL(c.Bus.URL),
			"stream":          c.Bus.Stream,
			"durable_prefix":  c.Bus.DurablePrefix,
			"ack_wait":        c.Bus.AckWait.String(),
			"max_ack_pending": c.Bus.MaxAckPending,
			"reconnect_wait":  c.Bus.ReconnectWait.String(),
			"ack_after_flush": c.Bus.AckAfterFlush,
		},
		"migration": map[string]any{
			"enabled":              c.Migration.Enabled,
			"schedule":             c.Migration.Schedule,
			"age_threshold_hours":  c.Migration.AgeThresholdHours,
			"batch_size":           c.Migration.BatchSize,
			"parallel_workers":     c.Migration.ParallelWorkers,
			"size_threshold_mb":    c.Migration.SizeThresholdMB,
			"verification_enabled": c.Migration.VerificationEnabled,
			"window_start_hour":    c.Migration.WindowStartHour,
			"window_end_hour":      c.Migration.WindowEndHour,
			"pages_per_second":     c.Migration.PagesPerSecond,
			"cycle_interval":       c.Migration.CycleInterval.String(),
			"error_retry":          c.Migration.ErrorRetry.String(),
		},
		"cleanup": map[string]any{
			"enabled":                c.Cleanup.Enabled,
			"schedule":               c.Cleanup.Schedule,
			"max_age_days":           c.Cleanup.MaxAgeDays,
			"dry_run":                c.Cleanup.DryRun,
			"smart_cleanup":          c.Cleanup.SmartCleanup,
			"disk_threshold_percent": c.Cleanup.DiskThresholdPercent,
		},
		"cache": map[string]any{
			"enabled": c.Cache.Addr != "",
			"addr":    c.Cache.Addr,
			"db":      c.Cache.DB,
			"ttl":     c.Cache.TTL.String(),
		},
		"api": map[string]any{
			"host":            c.API.Host,
			"port":            c.API.Port,
			"read_timeout":    c.API.ReadTimeout.String(),
			"write_timeout":   c.API.WriteTimeout.String(),
			"idle_timeout":    c.API.IdleTimeout.String(),
			"request_timeout": c.API.RequestTimeout.String(),
		},
	}
}

func redactStore(s clickhouse.Config) map[string]any {
	out := map[string]any{
		"host":     s.Host,
		"port":     s.Port,
		"user":     s.User,
		"database": s.Database,
	}
	if s.Password != "" {
		out["password"] = "***"
	}
	return out
}

func tierView(t schema.TierConfig) map[string]any {
	return map[string]any{
		"database": t.Database,
		"ttl_days": t.TTLDays,
		"codec":    t.Codec,
	}
}

// redactURL masks userinfo credentials embedded in a broker URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
