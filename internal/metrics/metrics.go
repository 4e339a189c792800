package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for the storage engine.
type Registry struct {
	registry *prometheus.Registry

	// Write path
	InsertDuration *prometheus.HistogramVec
	FlushSize      *prometheus.HistogramVec
	WriteRetries   prometheus.Counter
	RowsDropped    *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec

	// Ingest path
	MessagesReceived *prometheus.CounterVec
	MessagesStored   *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	EnqueueBlocked   *prometheus.CounterVec
	BusReconnects    prometheus.Counter

	// Pool and breaker
	PoolInUse    prometheus.Gauge
	PoolIdle     prometheus.Gauge
	BreakerOpen  prometheus.Gauge

	// Lifecycle
	MigratedRecords   *prometheus.CounterVec
	MigrationTasks    *prometheus.CounterVec
	CleanedPartitions *prometheus.CounterVec

	// Look-aside cache
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry backed by the default
// Prometheus registerer.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates an isolated registry. Tests use this to avoid
// duplicate registration panics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		InsertDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_insert_duration_seconds",
				Help:    "Duration of hot-tier batch inserts in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"data_type", "result"},
		),

		FlushSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_flush_size_rows",
				Help:    "Rows per queue flush",
				Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"data_type"},
		),

		WriteRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "storage_write_retries_total",
				Help: "Total batch insert retries",
			},
		),

		RowsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_rows_dropped_total",
				Help: "Rows dropped after poison-batch isolation",
			},
			[]string{"data_type"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_store_errors_total",
				Help: "Store errors by classification kind",
			},
			[]string{"kind"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_messages_received_total",
				Help: "Bus messages received by data type",
			},
			[]string{"data_type"},
		),

		MessagesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_messages_stored_total",
				Help: "Records persisted to the hot tier by data type",
			},
			[]string{"data_type"},
		),

		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_messages_failed_total",
				Help: "Messages rejected during deserialization or normalization",
			},
			[]string{"data_type"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storage_queue_depth",
				Help: "Pending records per batch queue",
			},
			[]string{"data_type"},
		),

		EnqueueBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_enqueue_blocked_total",
				Help: "Enqueues that hit the hard cap and blocked",
			},
			[]string{"data_type"},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "storage_bus_reconnects_total",
				Help: "Bus reconnections",
			},
		),

		PoolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_pool_in_use",
				Help: "Store connection handles checked out",
			},
		),

		PoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_pool_idle",
				Help: "Store connection handles idle in pool",
			},
		),

		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_writer_breaker_open",
				Help: "Tier writer circuit breaker state (1 = open)",
			},
		),

		MigratedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_migrated_records_total",
				Help: "Records copied from hot to cold by table",
			},
			[]string{"table"},
		),

		MigrationTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_migration_tasks_total",
				Help: "Migration tasks by result",
			},
			[]string{"result"},
		),

		CleanedPartitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_cleaned_partitions_total",
				Help: "Partitions dropped by retention cleanup",
			},
			[]string{"table"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_cache_hits_total",
				Help: "Look-aside cache hits",
			},
			[]string{"data_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_cache_misses_total",
				Help: "Look-aside cache misses",
			},
			[]string{"data_type"},
		),
	}

	reg.MustRegister(
		r.InsertDuration,
		r.FlushSize,
		r.WriteRetries,
		r.RowsDropped,
		r.StoreErrors,
		r.MessagesReceived,
		r.MessagesStored,
		r.MessagesFailed,
		r.QueueDepth,
		r.EnqueueBlocked,
		r.BusReconnects,
		r.PoolInUse,
		r.PoolIdle,
		r.BreakerOpen,
		r.MigratedRecords,
		r.MigrationTasks,
		r.CleanedPartitions,
		r.CacheHits,
		r.CacheMisses,
	)

	return r
}

// Handler returns the Prometheus exposition endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// InsertLatencyQuantiles estimates p50 and p95 insert latency in seconds
// from the accumulated histogram, across all data types and results.
func (r *Registry) InsertLatencyQuantiles() (p50, p95 float64) {
	families, err := r.registry.Gather()
	if err != nil {
		return 0, 0
	}

	var merged *histogramBuckets
	for _, family := range families {
		if family.GetName() != "storage_insert_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			merged = mergeHistogram(merged, metric.GetHistogram())
		}
	}
	if merged == nil || merged.count == 0 {
		return 0, 0
	}
	return merged.quantile(0.5), merged.quantile(0.95)
}

type histogramBuckets struct {
	upperBounds []float64
	cumulative  []uint64
	count       uint64
}

func mergeHistogram(into *histogramBuckets, h *dto.Histogram) *histogramBuckets {
	if h == nil {
		return into
	}
	if into == nil {
		into = &histogramBuckets{}
		for _, b := range h.GetBucket() {
			into.upperBounds = append(into.upperBounds, b.GetUpperBound())
			into.cumulative = append(into.cumulative, b.GetCumulativeCount())
		}
		into.count = h.GetSampleCount()
		return into
	}
	for i, b := range h.GetBucket() {
		if i < len(into.cumulative) {
			into.cumulative[i] += b.GetCumulativeCount()
		}
	}
	into.count += h.GetSampleCount()
	return into
}

// quantile performs the usual bucket interpolation over cumulative counts.
func (h *histogramBuckets) quantile(q float64) float64 {
	rank := q * float64(h.count)
	var prevBound float64
	var prevCount uint64
	for i, upper := range h.upperBounds {
		c := h.cumulative[i]
		if float64(c) >= rank {
			bucketCount := c - prevCount
			if bucketCount == 0 {
				return upper
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + (upper-prevBound)*fraction
		}
		prevBound = upper
		prevCount = c
	}
	if len(h.upperBounds) > 0 {
		return h.upperBounds[len(h.upperBounds)-1]
	}
	return 0
}
