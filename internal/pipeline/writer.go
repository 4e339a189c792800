package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/schema"
)

// WriterConfig tunes retry and circuit-breaker behavior for hot-tier
// batch inserts.
type WriterConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	RateLimitBaseDelay   time.Duration `yaml:"rate_limit_base_delay"`
	Multiplier           int           `yaml:"multiplier"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	BreakerCooldown      time.Duration `yaml:"breaker_cooldown"`
}

// DefaultWriterConfig returns the default retry tuning.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxRetries:           3,
		BaseDelay:            time.Second,
		RateLimitBaseDelay:   5 * time.Second,
		Multiplier:           2,
		MaxDelay:             30 * time.Second,
		MaxConsecutiveErrors: 5,
		BreakerCooldown:      30 * time.Second,
	}
}

// Writer performs hot-tier batch inserts with retry, error classification,
// and poison-batch isolation. It never acks bus messages; that stays with
// the subscriber.
type Writer struct {
	cfg      WriterConfig
	pool     *clickhouse.Pool
	database string
	stats    *Stats
	metrics  *metrics.Registry
	breaker  *gobreaker.CircuitBreaker
}

// NewWriter builds a hot-tier writer over a connection pool.
func NewWriter(cfg WriterConfig, pool *clickhouse.Pool, database string, stats *Stats, m *metrics.Registry) *Writer {
	w := &Writer{
		cfg:      cfg,
		pool:     pool,
		database: database,
		stats:    stats,
		metrics:  m,
	}

	maxConsecutive := uint32(cfg.MaxConsecutiveErrors)
	if maxConsecutive == 0 {
		maxConsecutive = 5
	}

	settings := gobreaker.Settings{Name: "tier-writer"}
	settings.Interval = 5 * time.Minute
	settings.Timeout = cfg.BreakerCooldown
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= maxConsecutive
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Writer circuit breaker state change")
		if m != nil {
			if to == gobreaker.StateOpen {
				m.BreakerOpen.Set(1)
			} else {
				m.BreakerOpen.Set(0)
			}
		}
	}
	w.breaker = gobreaker.NewCircuitBreaker(settings)

	return w
}

// Write inserts one batch into the hot table for its type. A nil return
// means every surviving row is durable; poison rows may have been dropped
// and accounted. A non-nil return means the whole batch must be requeued.
func (w *Writer) Write(ctx context.Context, dt models.DataType, records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.stats.WriteStarted()

	result, err := w.breaker.Execute(func() (any, error) {
		dropped, err := w.writeBatch(ctx, dt, records)
		return dropped, err
	})
	if err != nil {
		w.stats.WriteFailed()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("writer paused by circuit breaker: %w", err)
		}
		return err
	}

	dropped, _ := result.(int)
	stored := len(records) - dropped
	w.stats.WriteSucceeded(stored)
	w.stats.MessagesStored(stored)
	if w.metrics != nil {
		w.metrics.MessagesStored.WithLabelValues(string(dt)).Add(float64(stored))
	}
	return nil
}

// writeBatch runs the retry loop for one batch, returning the number of
// rows dropped by poison isolation. Retryable failures back off
// exponentially; non-retryable failures divert to row-by-row isolation so
// one malformed payload cannot poison its whole batch.
func (w *Writer) writeBatch(ctx context.Context, dt models.DataType, records []*models.Record) (int, error) {
	table := schema.QualifiedTable(w.database, schema.TierHot, dt)
	columns := schema.InsertColumns(dt)
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		rows[i] = rec.Row()
	}

	var lastErr error
	rateLimited := false

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.stats.WriteRetried()
			if w.metrics != nil {
				w.metrics.WriteRetries.Inc()
			}
			backoff := w.calculateBackoff(attempt, rateLimited)
			log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Str("table", table).
				Msg("Retrying batch insert")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		err := w.insertOnce(ctx, dt, table, columns, rows)
		if err == nil {
			return 0, nil
		}

		lastErr = err
		w.observeError(err)

		if clickhouse.IsRetryable(err) {
			rateLimited = clickhouse.IsRateLimit(err)
			continue
		}

		// Non-retryable batch error: poison path.
		return w.isolatePoisonBatch(ctx, dt, table, columns, records, err), nil
	}

	return 0, fmt.Errorf("batch insert failed after %d retries: %w", w.cfg.MaxRetries, lastErr)
}

func (w *Writer) insertOnce(ctx context.Context, dt models.DataType, table string, columns []string, rows []map[string]any) error {
	client, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Release(client)

	start := time.Now()
	err = client.Insert(ctx, table, columns, rows, clickhouse.FormatValues)
	w.recordLatency(dt, time.Since(start), err == nil)
	return err
}

// isolatePoisonBatch retries a rejected batch row by row and returns how
// many rows were dropped. Rows that fail individually are dropped with
// their payload digest logged; rows that succeed are inserted. This
// bounds the blast radius of a single malformed payload.
func (w *Writer) isolatePoisonBatch(ctx context.Context, dt models.DataType, table string, columns []string, records []*models.Record, batchErr error) int {
	log.Warn().
		Err(batchErr).
		Str("table", table).
		Int("rows", len(records)).
		Msg("Batch rejected; isolating row by row")

	client, err := w.pool.Acquire(ctx)
	if err != nil {
		// No handle to isolate with. Treat the whole batch as dropped so
		// the queue does not spin on a poison batch; any earlier bus
		// position replays converge through the replacing merge.
		log.Error().Err(err).Str("table", table).Msg("Poison isolation aborted: no pool handle")
		w.stats.RowsDropped(len(records))
		return len(records)
	}
	defer w.pool.Release(client)

	dropped := 0
	for _, rec := range records {
		err := client.Insert(ctx, table, columns, []map[string]any{rec.Row()}, clickhouse.FormatValues)
		if err == nil {
			continue
		}
		dropped++
		w.observeError(err)
		log.Error().
			Err(err).
			Str("table", table).
			Str("digest", rec.Digest()).
			Str("subject", rec.Subject()).
			Msg("Dropping poison row")
	}

	if dropped > 0 {
		w.stats.RowsDropped(dropped)
		if w.metrics != nil {
			w.metrics.RowsDropped.WithLabelValues(string(dt)).Add(float64(dropped))
		}
	}
	return dropped
}

// calculateBackoff applies exponential backoff with 10% jitter. Rate
// limiting switches to the longer base delay.
func (w *Writer) calculateBackoff(attempt int, rateLimited bool) time.Duration {
	base := w.cfg.BaseDelay
	if rateLimited && w.cfg.RateLimitBaseDelay > base {
		base = w.cfg.RateLimitBaseDelay
	}

	multiplier := w.cfg.Multiplier
	if multiplier < 2 {
		multiplier = 2
	}

	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= time.Duration(multiplier)
	}
	if backoff > w.cfg.MaxDelay && w.cfg.MaxDelay > 0 {
		backoff = w.cfg.MaxDelay
	}

	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff))
	return backoff + jitter
}

func (w *Writer) observeError(err error) {
	kind := clickhouse.KindOf(err)
	w.stats.StoreErrorObserved(kind)
	if w.metrics != nil {
		w.metrics.StoreErrors.WithLabelValues(string(kind)).Inc()
	}
}

func (w *Writer) recordLatency(dt models.DataType, d time.Duration, ok bool) {
	if w.metrics == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	w.metrics.InsertDuration.WithLabelValues(string(dt), result).Observe(d.Seconds())
}
