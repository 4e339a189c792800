package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/schema"
)

// ErrMigrationRunning is returned when a cycle is requested while one is
// already in progress. Cycles never overlap.
var ErrMigrationRunning = errors.New("migration cycle already running")

// ErrVerificationMismatch matches any post-copy count divergence via
// errors.Is.
var ErrVerificationMismatch = errors.New("verification mismatch")

// VerificationError means the cold row count diverged from hot after a
// copy. The hot partition is kept; the next cycle re-copies and the
// replacing merge absorbs the duplicates.
type VerificationError struct {
	Table     string
	Partition string
	HotRows   uint64
	ColdRows  uint64
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification mismatch for %s partition %s: hot=%d cold=%d",
		e.Table, e.Partition, e.HotRows, e.ColdRows)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationMismatch
}

// MigrationConfig tunes the hot-to-cold migration engine.
type MigrationConfig struct {
	AgeThresholdHours int `yaml:"age_threshold_hours"`
	BatchSize         int `yaml:"batch_size"`
	ParallelWorkers   int `yaml:"parallel_workers"`
	SizeThresholdMB   int `yaml:"size_threshold_mb"`
	// VerificationEnabled gates the post-copy count parity check. With it
	// off the hot partition drops as soon as the copy completes.
	VerificationEnabled bool `yaml:"verification_enabled"`
	// WindowStartHour and WindowEndHour bound migration to [start, end)
	// in UTC. Equal values disable the window.
	WindowStartHour int `yaml:"window_start_hour"`
	WindowEndHour   int `yaml:"window_end_hour"`
	// PagesPerSecond paces partition reads so migration cannot starve the
	// ingest path. Zero disables pacing.
	PagesPerSecond float64       `yaml:"pages_per_second"`
	CycleInterval  time.Duration `yaml:"cycle_interval"`
	ErrorRetry     time.Duration `yaml:"error_retry"`
}

// DefaultMigrationConfig returns the default migration tuning.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		AgeThresholdHours:   24,
		BatchSize:           10000,
		ParallelWorkers:     4,
		SizeThresholdMB:     1024,
		VerificationEnabled: true,
		PagesPerSecond:      8,
		CycleInterval:       time.Hour,
		ErrorRetry:          5 * time.Minute,
	}
}

// tableWeights order migration candidates by business value: trades are
// the most queried, order books the bulkiest and least urgent.
var tableWeights = map[models.DataType]int{
	models.TypeTrade:     100,
	models.TypeTicker:    80,
	models.TypeOrderbook: 60,
}

const defaultTableWeight = 40
const sizeBonus = 20

// hotStore is the hot-tier surface migration needs.
type hotStore interface {
	Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error)
	QueryRaw(ctx context.Context, sql string) ([]byte, error)
	Execute(ctx context.Context, sql string) error
}

// coldStore is the cold-tier surface migration needs.
type coldStore interface {
	Query(ctx context.Context, sql string) (*clickhouse.QueryResult, error)
	InsertRaw(ctx context.Context, table string, payload []byte) error
}

// Partition is one migration candidate discovered from system.parts.
type Partition struct {
	Table       string    `json:"table"`
	Partition   string    `json:"partition"`
	PartitionID string    `json:"partition_id"`
	Rows        uint64    `json:"rows"`
	SizeBytes   uint64    `json:"size_bytes"`
	OldestTime  time.Time `json:"oldest_time"`
	Priority    int       `json:"priority"`
}

// TaskResult records the outcome of one partition migration.
type TaskResult struct {
	ID        string        `json:"id"`
	Table     string        `json:"table"`
	Partition string        `json:"partition"`
	Rows      uint64        `json:"rows"`
	Pages     int           `json:"pages"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// CycleResult summarizes one migration cycle.
type CycleResult struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Candidates int          `json:"candidates"`
	Migrated   int          `json:"migrated"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Tasks      []TaskResult `json:"tasks"`
}

// MigrationStatus is the admin view of the engine.
type MigrationStatus struct {
	Running   bool         `json:"running"`
	InFlight  []string     `json:"in_flight"`
	LastCycle *CycleResult `json:"last_cycle,omitempty"`
	NextRunAt time.Time    `json:"next_run_at,omitempty"`
}

// Engine moves aged hot partitions to the cold tier: discover from
// system.parts, copy page by page, verify row parity, then drop the hot
// partition. Verification failure keeps the hot partition; re-copies are
// idempotent through the replacing merge.
type Engine struct {
	cfg     MigrationConfig
	hot     hotStore
	cold    coldStore
	hotDB   string
	coldDB  string
	types   []models.DataType
	limiter *rate.Limiter
	metrics *metrics.Registry

	mu        sync.Mutex
	running   bool
	inFlight  map[string]bool
	lastCycle *CycleResult
	nextRunAt time.Time
}

// NewEngine builds a migration engine over dedicated hot and cold clients.
// Migration deliberately does not share the writer's connection pool; its
// long scans would starve batch inserts.
func NewEngine(cfg MigrationConfig, hot hotStore, cold coldStore, hotDB, coldDB string, types []models.DataType, m *metrics.Registry) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 4
	}
	e := &Engine{
		cfg:      cfg,
		hot:      hot,
		cold:     cold,
		hotDB:    hotDB,
		coldDB:   coldDB,
		types:    append([]models.DataType(nil), types...),
		metrics:  m,
		inFlight: make(map[string]bool),
	}
	if cfg.PagesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}
	return e
}

// Run drives migration cycles until the context ends. A clean cycle
// sleeps the full interval; an error retries sooner.
func (e *Engine) Run(ctx context.Context) {
	for {
		wait := e.cfg.CycleInterval
		if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Migration cycle failed")
			wait = e.cfg.ErrorRetry
		}

		e.mu.Lock()
		e.nextRunAt = time.Now().Add(wait)
		e.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one full migration cycle. Concurrent calls beyond the
// first return ErrMigrationRunning.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrMigrationRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	result := &CycleResult{StartedAt: time.Now()}
	defer func() {
		result.FinishedAt = time.Now()
		e.mu.Lock()
		e.lastCycle = result
		e.mu.Unlock()
	}()

	if !e.inWindow(time.Now().UTC()) {
		log.Debug().
			Int("window_start", e.cfg.WindowStartHour).
			Int("window_end", e.cfg.WindowEndHour).
			Msg("Outside migration window")
		return result, nil
	}

	candidates, err := e.Discover(ctx)
	if err != nil {
		return result, fmt.Errorf("partition discovery failed: %w", err)
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		return result, nil
	}

	log.Info().Int("candidates", len(candidates)).Msg("Migration cycle starting")

	work := make(chan Partition)
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	workers := e.cfg.ParallelWorkers
	if workers > len(candidates) {
		workers = len(candidates)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				if !e.claim(p.Table, p.PartitionID) {
					resultMu.Lock()
					result.Skipped++
					resultMu.Unlock()
					continue
				}
				task := e.migrateOne(ctx, p)
				e.release(p.Table, p.PartitionID)

				resultMu.Lock()
				result.Tasks = append(result.Tasks, task)
				if task.Error == "" {
					result.Migrated++
				} else {
					result.Failed++
				}
				resultMu.Unlock()
			}
		}()
	}

	for _, p := range candidates {
		select {
		case work <- p:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	if e.metrics != nil {
		e.metrics.MigrationTasks.WithLabelValues("success").Add(float64(result.Migrated))
		e.metrics.MigrationTasks.WithLabelValues("failure").Add(float64(result.Failed))
	}
	log.Info().
		Int("migrated", result.Migrated).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Dur("elapsed", time.Since(result.StartedAt)).
		Msg("Migration cycle finished")
	return result, ctx.Err()
}

// Discover lists hot partitions whose newest data is older than the age
// threshold, ordered by migration priority.
func (e *Engine) Discover(ctx context.Context) ([]Partition, error) {
	tables := make([]string, 0, len(e.types))
	for _, dt := range e.types {
		tables = append(tables, fmt.Sprintf("'%s'", schema.TableName(schema.TierHot, dt)))
	}
	if len(tables) == 0 {
		return nil, nil
	}

	sql := fmt.Sprintf(`SELECT
    table,
    partition,
    partition_id,
    sum(rows) AS total_rows,
    sum(bytes_on_disk) AS size_bytes,
    min(min_time) AS oldest
FROM system.parts
WHERE database = '%s'
  AND active
  AND table IN (%s)
GROUP BY table, partition, partition_id
HAVING max(max_time) < now() - INTERVAL %d HOUR
ORDER BY table, partition`,
		e.hotDB, strings.Join(tables, ", "), e.cfg.AgeThresholdHours)

	res, err := e.hot.Query(ctx, sql)
	if err != nil {
		return nil, err
	}

	partitions := make([]Partition, 0, len(res.Data))
	for _, row := range res.Data {
		p := Partition{
			Table:       asString(row["table"]),
			Partition:   asString(row["partition"]),
			PartitionID: asString(row["partition_id"]),
		}
		p.Rows, _ = clickhouse.AsUint64(row["total_rows"])
		p.SizeBytes, _ = clickhouse.AsUint64(row["size_bytes"])
		p.OldestTime = parseStoreTime(asString(row["oldest"]))
		p.Priority = e.priorityOf(p)
		partitions = append(partitions, p)
	}

	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Priority != partitions[j].Priority {
			return partitions[i].Priority > partitions[j].Priority
		}
		return partitions[i].OldestTime.Before(partitions[j].OldestTime)
	})
	return partitions, nil
}

func (e *Engine) priorityOf(p Partition) int {
	weight := defaultTableWeight
	if dt, ok := schema.DataTypeForTable(p.Table); ok {
		if w, found := tableWeights[dt]; found {
			weight = w
		}
	}
	if e.cfg.SizeThresholdMB > 0 && p.SizeBytes > uint64(e.cfg.SizeThresholdMB)*1024*1024 {
		weight += sizeBonus
	}
	return weight
}

// migrateOne copies a single partition to cold, verifies parity, and
// drops the hot partition only after verification passes.
func (e *Engine) migrateOne(ctx context.Context, p Partition) TaskResult {
	start := time.Now()
	task := TaskResult{ID: uuid.NewString(), Table: p.Table, Partition: p.Partition}

	log.Info().
		Str("task_id", task.ID).
		Str("table", p.Table).
		Str("partition", p.Partition).
		Uint64("rows", p.Rows).
		Uint64("bytes", p.SizeBytes).
		Int("priority", p.Priority).
		Msg("Migrating partition")

	rows, pages, err := e.copyPartition(ctx, p)
	task.Rows = rows
	task.Pages = pages
	if err == nil {
		err = e.verifyAndDrop(ctx, p)
	}
	task.Duration = time.Since(start)

	if err != nil {
		task.Error = err.Error()
		log.Error().
			Err(err).
			Str("table", p.Table).
			Str("partition", p.Partition).
			Msg("Partition migration failed")
		return task
	}

	if e.metrics != nil {
		e.metrics.MigratedRecords.WithLabelValues(p.Table).Add(float64(rows))
	}
	log.Info().
		Str("table", p.Table).
		Str("partition", p.Partition).
		Uint64("rows", rows).
		Int("pages", pages).
		Dur("elapsed", task.Duration).
		Msg("Partition migrated")
	return task
}

// copyPartition relays the partition to cold in ordered pages.
func (e *Engine) copyPartition(ctx context.Context, p Partition) (uint64, int, error) {
	dt, ok := schema.DataTypeForTable(p.Table)
	if !ok {
		return 0, 0, fmt.Errorf("unknown table %s", p.Table)
	}
	columns := append(schema.InsertColumns(dt), "insert_time")
	coldTable := fmt.Sprintf("%s.%s", e.coldDB, schema.ColdTableFor(p.Table))

	// Stable paging order: timestamp first per read path, rest of the
	// natural key as tiebreak.
	orderBy := []string{"timestamp"}
	for _, col := range models.NaturalKey(dt) {
		if col != "timestamp" {
			orderBy = append(orderBy, col)
		}
	}

	var copied uint64
	pages := 0
	for offset := uint64(0); ; offset += uint64(e.cfg.BatchSize) {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return copied, pages, err
			}
		}

		sql := fmt.Sprintf(
			"SELECT %s FROM %s.%s WHERE _partition_id = '%s' ORDER BY %s LIMIT %d OFFSET %d FORMAT JSONEachRow",
			strings.Join(columns, ", "), e.hotDB, p.Table, p.PartitionID,
			strings.Join(orderBy, ", "), e.cfg.BatchSize, offset)

		page, err := e.hot.QueryRaw(ctx, sql)
		if err != nil {
			return copied, pages, fmt.Errorf("page read at offset %d: %w", offset, err)
		}
		page = []byte(strings.TrimSpace(string(page)))
		if len(page) == 0 {
			break
		}

		if err := e.cold.InsertRaw(ctx, coldTable, page); err != nil {
			return copied, pages, fmt.Errorf("cold insert at offset %d: %w", offset, err)
		}

		n := uint64(strings.Count(string(page), "\n") + 1)
		copied += n
		pages++
		if n < uint64(e.cfg.BatchSize) {
			break
		}
	}
	return copied, pages, nil
}

// verifyAndDrop compares collapsed row counts between tiers and drops the
// hot partition only on exact parity. With verification disabled the
// drop follows the copy directly.
func (e *Engine) verifyAndDrop(ctx context.Context, p Partition) error {
	if e.cfg.VerificationEnabled {
		hotCount, bounds, err := e.hotPartitionCount(ctx, p)
		if err != nil {
			return fmt.Errorf("hot count: %w", err)
		}

		coldCount, err := e.coldSliceCount(ctx, p, bounds)
		if err != nil {
			return fmt.Errorf("cold count: %w", err)
		}

		if hotCount != coldCount {
			return &VerificationError{
				Table:     p.Table,
				Partition: p.Partition,
				HotRows:   hotCount,
				ColdRows:  coldCount,
			}
		}
	}

	drop := fmt.Sprintf("ALTER TABLE %s.%s DROP PARTITION ID '%s'", e.hotDB, p.Table, p.PartitionID)
	if err := e.hot.Execute(ctx, drop); err != nil {
		return fmt.Errorf("drop partition: %w", err)
	}
	return nil
}

type sliceBounds struct {
	minTS    string
	maxTS    string
	exchange string
}

// hotPartitionCount returns the collapsed row count plus the exact time
// bounds of the partition, which identify the same slice on the cold side
// where the partitioning scheme differs.
func (e *Engine) hotPartitionCount(ctx context.Context, p Partition) (uint64, sliceBounds, error) {
	sql := fmt.Sprintf(
		"SELECT count() AS rows, min(timestamp) AS min_ts, max(timestamp) AS max_ts FROM %s.%s FINAL WHERE _partition_id = '%s'",
		e.hotDB, p.Table, p.PartitionID)
	res, err := e.hot.Query(ctx, sql)
	if err != nil {
		return 0, sliceBounds{}, err
	}
	if len(res.Data) == 0 {
		return 0, sliceBounds{}, fmt.Errorf("empty count result")
	}
	row := res.Data[0]
	count, err := clickhouse.AsUint64(row["rows"])
	if err != nil {
		return 0, sliceBounds{}, err
	}
	bounds := sliceBounds{
		minTS:    asString(row["min_ts"]),
		maxTS:    asString(row["max_ts"]),
		exchange: partitionExchange(p.Partition),
	}
	return count, bounds, nil
}

func (e *Engine) coldSliceCount(ctx context.Context, p Partition, b sliceBounds) (uint64, error) {
	coldTable := schema.ColdTableFor(p.Table)
	sql := fmt.Sprintf(
		"SELECT count() AS rows FROM %s.%s FINAL WHERE timestamp >= '%s' AND timestamp <= '%s'",
		e.coldDB, coldTable, b.minTS, b.maxTS)
	if b.exchange != "" {
		sql += fmt.Sprintf(" AND exchange = '%s'", b.exchange)
	}
	res, err := e.cold.Query(ctx, sql)
	if err != nil {
		return 0, err
	}
	return res.ScalarUint64()
}

// Status reports the engine state for the admin surface.
func (e *Engine) Status() MigrationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	inFlight := make([]string, 0, len(e.inFlight))
	for key := range e.inFlight {
		inFlight = append(inFlight, key)
	}
	sort.Strings(inFlight)

	return MigrationStatus{
		Running:   e.running,
		InFlight:  inFlight,
		LastCycle: e.lastCycle,
		NextRunAt: e.nextRunAt,
	}
}

func (e *Engine) claim(table, partitionID string) bool {
	key := table + "|" + partitionID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *Engine) release(table, partitionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, table+"|"+partitionID)
}

// inWindow checks the optional migration window [start, end) in UTC,
// handling wrap-around windows like 22 to 4.
func (e *Engine) inWindow(now time.Time) bool {
	start, end := e.cfg.WindowStartHour, e.cfg.WindowEndHour
	if start == end {
		return true
	}
	hour := now.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

var quotedPartitionKey = regexp.MustCompile(`'([^']*)'`)

// partitionExchange pulls the exchange out of a composite partition value
// like (20250101,'binance'). Single-key partitions have none.
func partitionExchange(partition string) string {
	m := quotedPartitionKey.FindStringSubmatch(partition)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseStoreTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", models.StoreTimeFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
