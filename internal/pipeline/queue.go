package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
)

// Flusher consumes drained batches. Implemented by Writer; tests swap in
// fakes.
type Flusher interface {
	Write(ctx context.Context, dt models.DataType, records []*models.Record) error
}

// AckFunc acknowledges the bus message that carried a record. Nil for
// ack-on-enqueue consumers, which ack before handing the record over.
type AckFunc func()

// QueueConfig tunes the batch queue manager.
type QueueConfig struct {
	// MaintenanceInterval bounds how stale an age-based flush can be.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// BlockWarnThreshold is how long an enqueue may block at the hard cap
	// before an operator warning is logged. Blocking never drops.
	BlockWarnThreshold time.Duration `yaml:"block_warn_threshold"`
	// FailureBackoffBase and FailureBackoffMax pace re-flushes of a queue
	// whose writer exhausted its retries.
	FailureBackoffBase time.Duration `yaml:"failure_backoff_base"`
	FailureBackoffMax  time.Duration `yaml:"failure_backoff_max"`
	// Policies overrides the built-in per-type batch policies.
	Policies map[models.DataType]models.BatchPolicy `yaml:"policies"`
}

// DefaultQueueConfig returns the default queue tuning.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaintenanceInterval: 250 * time.Millisecond,
		BlockWarnThreshold:  5 * time.Second,
		FailureBackoffBase:  time.Second,
		FailureBackoffMax:   30 * time.Second,
	}
}

type pending struct {
	rec *models.Record
	ack AckFunc
}

// typeQueue is the per-type FIFO with its lock, first-enqueue timestamp,
// and single-flight flush state.
type typeQueue struct {
	dt     models.DataType
	policy models.BatchPolicy

	mu           sync.Mutex
	items        []pending
	firstEnqueue time.Time

	// space wakes the enqueuer blocked at the hard cap. One producer per
	// type (the bus delivers per-type in order), so capacity one suffices.
	space chan struct{}

	flushing atomic.Bool

	consecutiveFailures int
	retryAt             time.Time
	lastFlush           time.Time
}

// Manager owns one bounded FIFO per data type and drives flushes by size,
// age, and hard cap.
type Manager struct {
	cfg     QueueConfig
	writer  Flusher
	stats   *Stats
	metrics *metrics.Registry

	queues map[models.DataType]*typeQueue
	order  []models.DataType

	runCtx   context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds queues for the given enabled types.
func NewManager(cfg QueueConfig, types []models.DataType, writer Flusher, stats *Stats, m *metrics.Registry) *Manager {
	if cfg.MaintenanceInterval <= 0 || cfg.MaintenanceInterval > 500*time.Millisecond {
		cfg.MaintenanceInterval = 250 * time.Millisecond
	}
	if cfg.BlockWarnThreshold <= 0 {
		cfg.BlockWarnThreshold = 5 * time.Second
	}
	if cfg.FailureBackoffBase <= 0 {
		cfg.FailureBackoffBase = time.Second
	}
	if cfg.FailureBackoffMax <= 0 {
		cfg.FailureBackoffMax = 30 * time.Second
	}

	mgr := &Manager{
		cfg:     cfg,
		writer:  writer,
		stats:   stats,
		metrics: m,
		queues:  make(map[models.DataType]*typeQueue, len(types)),
		order:   append([]models.DataType(nil), types...),
		stopCh:  make(chan struct{}),
		runCtx:  context.Background(),
	}
	for _, dt := range types {
		policy, ok := cfg.Policies[dt]
		if !ok {
			policy = models.PolicyFor(dt)
		}
		mgr.queues[dt] = &typeQueue{
			dt:     dt,
			policy: policy,
			space:  make(chan struct{}, 1),
		}
	}
	return mgr
}

// Start launches the maintenance loop. The loop only schedules flushes;
// the work itself runs on separate goroutines so loop latency stays
// bounded by the tick.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx = ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for _, dt := range m.order {
					q := m.queues[dt]
					if m.shouldFlush(q, time.Now()) {
						m.tryFlush(q)
					}
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the maintenance loop and waits for in-flight flushes.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Enqueue appends a record to its type's queue. At the hard cap it blocks
// until a flush frees space or the context ends; it never drops. This is
// the engine's only durable backpressure point.
func (m *Manager) Enqueue(ctx context.Context, rec *models.Record, ack AckFunc) error {
	q, ok := m.queues[rec.Type]
	if !ok {
		return fmt.Errorf("data type %s is not enabled", rec.Type)
	}

	blockedSince := time.Time{}
	for {
		q.mu.Lock()
		if len(q.items) < q.policy.MaxQueue {
			if len(q.items) == 0 {
				q.firstEnqueue = time.Now()
			}
			q.items = append(q.items, pending{rec: rec, ack: ack})
			size := len(q.items)
			q.mu.Unlock()

			if m.metrics != nil {
				m.metrics.QueueDepth.WithLabelValues(string(q.dt)).Set(float64(size))
			}
			if size >= q.policy.BatchSize || size >= q.policy.MaxQueue {
				m.tryFlush(q)
			}
			return nil
		}
		q.mu.Unlock()

		if blockedSince.IsZero() {
			blockedSince = time.Now()
			if m.metrics != nil {
				m.metrics.EnqueueBlocked.WithLabelValues(string(q.dt)).Inc()
			}
			m.tryFlush(q)
		}

		select {
		case <-q.space:
		case <-time.After(m.cfg.BlockWarnThreshold):
			log.Warn().
				Str("data_type", string(q.dt)).
				Dur("blocked_for", time.Since(blockedSince)).
				Int("max_queue", q.policy.MaxQueue).
				Msg("Enqueue blocked at hard cap")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush synchronously drains one flush-worth of records for a type.
// Used by the admin surface and shutdown drain.
func (m *Manager) Flush(ctx context.Context, dt models.DataType) error {
	q, ok := m.queues[dt]
	if !ok {
		return fmt.Errorf("data type %s is not enabled", dt)
	}
	if !q.flushing.CompareAndSwap(false, true) {
		return nil // flush already in flight
	}
	defer q.flushing.Store(false)
	return m.flushOnce(ctx, q)
}

// QueueSizes reports current per-type queue depth.
func (m *Manager) QueueSizes() map[string]int {
	sizes := make(map[string]int, len(m.order))
	for _, dt := range m.order {
		q := m.queues[dt]
		q.mu.Lock()
		sizes[string(dt)] = len(q.items)
		q.mu.Unlock()
	}
	return sizes
}

// DrainReport summarizes the shutdown flush.
type DrainReport struct {
	Flushed int            `json:"flushed"`
	Dropped map[string]int `json:"dropped"`
}

// DrainAll flushes every queue best-effort within the context's grace
// period. Records that cannot be flushed in time are dropped and
// accounted in the report. Call after Stop and after intake has ceased.
func (m *Manager) DrainAll(ctx context.Context) DrainReport {
	report := DrainReport{Dropped: make(map[string]int)}

	for _, dt := range m.order {
		q := m.queues[dt]
		for {
			q.mu.Lock()
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining == 0 {
				break
			}
			if ctx.Err() != nil {
				report.Dropped[string(dt)] = remaining
				break
			}
			before := remaining
			if err := m.flushOnce(ctx, q); err != nil {
				report.Dropped[string(dt)] = before
				log.Error().
					Err(err).
					Str("data_type", string(dt)).
					Int("dropped", before).
					Msg("Shutdown drain failed; records dropped")
				break
			}
			q.mu.Lock()
			report.Flushed += before - len(q.items)
			q.mu.Unlock()
		}
	}
	return report
}

// shouldFlush evaluates the flush trigger: size, age, or hard cap. A
// queue backing off after writer exhaustion does not re-fire early.
func (m *Manager) shouldFlush(q *typeQueue, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return false
	}
	if now.Before(q.retryAt) {
		return false
	}
	if len(q.items) >= q.policy.BatchSize {
		return true
	}
	if len(q.items) >= q.policy.MaxQueue {
		return true
	}
	return now.Sub(q.firstEnqueue) >= q.policy.Timeout
}

// tryFlush schedules an asynchronous flush unless one is already in
// flight for the type.
func (m *Manager) tryFlush(q *typeQueue) {
	if !q.flushing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer q.flushing.Store(false)
		if err := m.flushOnce(m.runCtx, q); err != nil {
			log.Error().
				Err(err).
				Str("data_type", string(q.dt)).
				Msg("Flush failed; batch requeued")
		}
	}()
}

// flushOnce drains up to one batch and hands it to the writer. On writer
// failure the batch is prepended back in order and the queue backs off.
// Callers must hold the type's single-flight flag.
func (m *Manager) flushOnce(ctx context.Context, q *typeQueue) error {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	n := min(len(q.items), q.policy.BatchSize)
	batch := make([]pending, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.mu.Unlock()

	// Space freed; wake a blocked enqueuer.
	select {
	case q.space <- struct{}{}:
	default:
	}

	records := make([]*models.Record, n)
	for i, p := range batch {
		records[i] = p.rec
	}

	err := m.writer.Write(ctx, q.dt, records)

	q.mu.Lock()
	if err != nil {
		// Head-of-line requeue preserves per-subject order.
		q.items = append(batch, q.items...)
		q.consecutiveFailures++
		backoff := m.failureBackoff(q.consecutiveFailures)
		q.retryAt = time.Now().Add(backoff)
		size := len(q.items)
		q.mu.Unlock()

		if m.metrics != nil {
			m.metrics.QueueDepth.WithLabelValues(string(q.dt)).Set(float64(size))
		}
		return err
	}

	q.consecutiveFailures = 0
	q.retryAt = time.Time{}
	q.lastFlush = time.Now()
	if len(q.items) > 0 {
		q.firstEnqueue = time.Now()
	} else {
		q.firstEnqueue = time.Time{}
	}
	size := len(q.items)
	q.mu.Unlock()

	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(string(q.dt)).Set(float64(size))
		m.metrics.FlushSize.WithLabelValues(string(q.dt)).Observe(float64(n))
	}

	for _, p := range batch {
		if p.ack != nil {
			p.ack()
		}
	}
	return nil
}

func (m *Manager) failureBackoff(failures int) time.Duration {
	backoff := m.cfg.FailureBackoffBase
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= m.cfg.FailureBackoffMax {
			return m.cfg.FailureBackoffMax
		}
	}
	if backoff > m.cfg.FailureBackoffMax {
		backoff = m.cfg.FailureBackoffMax
	}
	return backoff
}
