package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/schema"
)

// ErrCleanupRunning is returned when a cleanup is requested while one is
// already in progress.
var ErrCleanupRunning = errors.New("cleanup already running")

// CleanupConfig tunes retention enforcement.
type CleanupConfig struct {
	MaxAgeDays int  `yaml:"max_age_days"`
	DryRun     bool `yaml:"dry_run"`
	// SmartCleanup halves the retention age while disk usage sits above
	// DiskThresholdPercent, shedding the oldest data first.
	SmartCleanup         bool    `yaml:"smart_cleanup"`
	DiskThresholdPercent float64 `yaml:"disk_threshold_percent"`
}

// DefaultCleanupConfig returns the default cold-tier retention tuning.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		MaxAgeDays:           365,
		DiskThresholdPercent: 85,
	}
}

// cleanupStore is the store surface cleanup needs.
type cleanupStore interface {
	Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error)
	Execute(ctx context.Context, sql string) error
}

// TableCleanup is the per-table outcome of one cleanup run.
type TableCleanup struct {
	Table      string   `json:"table"`
	Candidates int      `json:"candidates"`
	Dropped    int      `json:"dropped"`
	Rows       uint64   `json:"rows"`
	Partitions []string `json:"partitions"`
	Error      string   `json:"error,omitempty"`
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	DryRun          bool           `json:"dry_run"`
	EffectiveAge    int            `json:"effective_max_age_days"`
	DiskUsedPercent float64        `json:"disk_used_percent"`
	Tables          []TableCleanup `json:"tables"`
	TotalDropped    int            `json:"total_dropped"`
	TotalRows       uint64         `json:"total_rows"`
}

// Cleaner drops partitions whose newest row is older than the retention
// age. It works per partition, never per row, so drops stay cheap.
type Cleaner struct {
	cfg      CleanupConfig
	store    cleanupStore
	database string
	tier     schema.Tier
	types    []models.DataType
	metrics  *metrics.Registry

	mu      sync.Mutex
	running bool
	last    *CleanupResult
}

// NewCleaner builds a retention cleaner for one tier.
func NewCleaner(cfg CleanupConfig, store cleanupStore, database string, tier schema.Tier, types []models.DataType, m *metrics.Registry) *Cleaner {
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 365
	}
	return &Cleaner{
		cfg:      cfg,
		store:    store,
		database: database,
		tier:     tier,
		types:    append([]models.DataType(nil), types...),
		metrics:  m,
	}
}

// RunCycle enforces retention across every enabled table. Table failures
// are recorded and do not stop the rest of the run.
func (c *Cleaner) RunCycle(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrCleanupRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	result := &CleanupResult{
		StartedAt:    time.Now(),
		DryRun:       dryRun || c.cfg.DryRun,
		EffectiveAge: c.cfg.MaxAgeDays,
	}
	defer func() {
		result.FinishedAt = time.Now()
		c.mu.Lock()
		c.last = result
		c.mu.Unlock()
	}()

	if c.cfg.SmartCleanup {
		used, err := c.diskUsedPercent(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Disk usage check failed; using configured retention")
		} else {
			result.DiskUsedPercent = used
			if used >= c.cfg.DiskThresholdPercent {
				result.EffectiveAge = c.cfg.MaxAgeDays / 2
				if result.EffectiveAge < 1 {
					result.EffectiveAge = 1
				}
				log.Warn().
					Float64("disk_used_percent", used).
					Int("effective_max_age_days", result.EffectiveAge).
					Msg("Disk pressure; tightening retention")
			}
		}
	}

	for _, dt := range c.types {
		tc := c.cleanTable(ctx, dt, result.EffectiveAge, result.DryRun)
		result.Tables = append(result.Tables, tc)
		result.TotalDropped += tc.Dropped
		result.TotalRows += tc.Rows
		if ctx.Err() != nil {
			break
		}
	}

	log.Info().
		Bool("dry_run", result.DryRun).
		Int("dropped", result.TotalDropped).
		Uint64("rows", result.TotalRows).
		Msg("Cleanup finished")
	return result, ctx.Err()
}

// cleanTable finds and drops this table's expired partitions. A partition
// expires when its newest insert_time is older than the retention age, so
// partially-aged partitions survive until fully expired.
func (c *Cleaner) cleanTable(ctx context.Context, dt models.DataType, maxAgeDays int, dryRun bool) TableCleanup {
	table := schema.TableName(c.tier, dt)
	tc := TableCleanup{Table: table}

	sql := fmt.Sprintf(`SELECT
    _partition_id AS pid,
    count() AS total_rows,
    max(insert_time) AS newest
FROM %s.%s
GROUP BY pid
HAVING newest < now() - INTERVAL %d DAY
ORDER BY newest`,
		c.database, table, maxAgeDays)

	res, err := c.store.Query(ctx, sql)
	if err != nil {
		tc.Error = err.Error()
		log.Error().Err(err).Str("table", table).Msg("Expired partition discovery failed")
		return tc
	}

	tc.Candidates = len(res.Data)
	for _, row := range res.Data {
		pid := asString(row["pid"])
		rows, _ := clickhouse.AsUint64(row["total_rows"])

		if dryRun {
			tc.Partitions = append(tc.Partitions, pid)
			tc.Rows += rows
			log.Info().
				Str("table", table).
				Str("partition_id", pid).
				Uint64("rows", rows).
				Str("newest", asString(row["newest"])).
				Msg("Would drop expired partition")
			continue
		}

		drop := fmt.Sprintf("ALTER TABLE %s.%s DROP PARTITION ID '%s'", c.database, table, pid)
		if err := c.store.Execute(ctx, drop); err != nil {
			tc.Error = err.Error()
			log.Error().Err(err).Str("table", table).Str("partition_id", pid).Msg("Partition drop failed")
			break
		}
		tc.Dropped++
		tc.Rows += rows
		tc.Partitions = append(tc.Partitions, pid)
		if c.metrics != nil {
			c.metrics.CleanedPartitions.WithLabelValues(table).Inc()
		}
		log.Info().
			Str("table", table).
			Str("partition_id", pid).
			Uint64("rows", rows).
			Msg("Dropped expired partition")
	}
	return tc
}

func (c *Cleaner) diskUsedPercent(ctx context.Context) (float64, error) {
	res, err := c.store.Query(ctx, "SELECT sum(free_space) AS free, sum(total_space) AS total FROM system.disks")
	if err != nil {
		return 0, err
	}
	if len(res.Data) == 0 {
		return 0, fmt.Errorf("empty disk usage result")
	}
	free, err := clickhouse.AsUint64(res.Data[0]["free"])
	if err != nil {
		return 0, err
	}
	total, err := clickhouse.AsUint64(res.Data[0]["total"])
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("zero total disk space reported")
	}
	return 100 * (1 - float64(free)/float64(total)), nil
}

// LastResult returns the most recent cleanup outcome, or nil before the
// first run.
func (c *Cleaner) LastResult() *CleanupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Running reports whether a cleanup cycle is in progress.
func (c *Cleaner) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
