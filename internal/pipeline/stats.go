package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketprism/storage/internal/clickhouse"
)

// Stats aggregates pipeline counters. All counters are monotonic for the
// life of the process; recoverable errors bump counters even when absorbed.
type Stats struct {
	startTime time.Time

	messagesReceived atomic.Int64
	messagesStored   atomic.Int64
	messagesFailed   atomic.Int64

	totalWrites      atomic.Int64
	successfulWrites atomic.Int64
	failedWrites     atomic.Int64
	retries          atomic.Int64
	rowsWritten      atomic.Int64
	rowsDropped      atomic.Int64

	reconnects atomic.Int64

	window *errorWindow
}

// NewStats creates a stats aggregator with the default five-minute rolling
// error window.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		window:    newErrorWindow(5 * time.Minute),
	}
}

func (s *Stats) MessageReceived()      { s.messagesReceived.Add(1) }
func (s *Stats) MessagesStored(n int)  { s.messagesStored.Add(int64(n)) }
func (s *Stats) MessageFailed()        { s.messagesFailed.Add(1) }
func (s *Stats) WriteStarted()         { s.totalWrites.Add(1) }
func (s *Stats) WriteSucceeded(n int)  { s.successfulWrites.Add(1); s.rowsWritten.Add(int64(n)) }
func (s *Stats) WriteFailed()          { s.failedWrites.Add(1) }
func (s *Stats) WriteRetried()         { s.retries.Add(1) }
func (s *Stats) RowsDropped(n int)     { s.rowsDropped.Add(int64(n)) }
func (s *Stats) Reconnected()          { s.reconnects.Add(1) }

// StoreErrorObserved records a classified store error in the rolling window.
func (s *Stats) StoreErrorObserved(kind clickhouse.ErrorKind) {
	s.window.add(string(kind))
}

// Snapshot is the JSON view served by the stats endpoint.
type Snapshot struct {
	UptimeSeconds    float64          `json:"uptime_seconds"`
	MessagesReceived int64            `json:"messages_received"`
	MessagesStored   int64            `json:"messages_stored"`
	MessagesFailed   int64            `json:"messages_failed"`
	TotalWrites      int64            `json:"total_writes"`
	SuccessfulWrites int64            `json:"successful_writes"`
	FailedWrites     int64            `json:"failed_writes"`
	Retries          int64            `json:"retries"`
	RowsWritten      int64            `json:"rows_written"`
	RowsDropped      int64            `json:"rows_dropped"`
	Reconnects       int64            `json:"reconnects"`
	ThroughputPerSec float64          `json:"throughput_per_sec"`
	ErrorsByType     map[string]int64 `json:"errors_by_type"`
}

// Snapshot returns a point-in-time copy of every counter. Throughput is
// stored rows over process uptime.
func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.startTime).Seconds()
	stored := s.messagesStored.Load()

	throughput := 0.0
	if uptime > 0 {
		throughput = float64(stored) / uptime
	}

	return Snapshot{
		UptimeSeconds:    uptime,
		MessagesReceived: s.messagesReceived.Load(),
		MessagesStored:   stored,
		MessagesFailed:   s.messagesFailed.Load(),
		TotalWrites:      s.totalWrites.Load(),
		SuccessfulWrites: s.successfulWrites.Load(),
		FailedWrites:     s.failedWrites.Load(),
		Retries:          s.retries.Load(),
		RowsWritten:      s.rowsWritten.Load(),
		RowsDropped:      s.rowsDropped.Load(),
		Reconnects:       s.reconnects.Load(),
		ThroughputPerSec: throughput,
		ErrorsByType:     s.window.counts(),
	}
}

// errorWindow keeps timestamped error kinds and reports counts over the
// trailing window. Expired entries are pruned on write and read.
type errorWindow struct {
	mu      sync.Mutex
	span    time.Duration
	entries []windowEntry
}

type windowEntry struct {
	at   time.Time
	kind string
}

func newErrorWindow(span time.Duration) *errorWindow {
	return &errorWindow{span: span}
}

func (w *errorWindow) add(kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())
	w.entries = append(w.entries, windowEntry{at: time.Now(), kind: kind})
}

func (w *errorWindow) counts() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())

	counts := make(map[string]int64)
	for _, e := range w.entries {
		counts[e.kind]++
	}
	return counts
}

func (w *errorWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	keep := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}
