package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketprism/storage/internal/bus"
	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/lifecycle"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/pipeline"
	"github.com/marketprism/storage/internal/query"
	"github.com/marketprism/storage/internal/scheduler"
)

// Health is the aggregated component view behind GET /status. Degraded
// still serves 200 with the issue list filled in.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Issues     []string          `json:"issues,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type migrationEngine interface {
	RunCycle(ctx context.Context) (*lifecycle.CycleResult, error)
	Discover(ctx context.Context) ([]lifecycle.Partition, error)
	Status() lifecycle.MigrationStatus
}

type cleanupRunner interface {
	RunCycle(ctx context.Context, dryRun bool) (*lifecycle.CleanupResult, error)
}

type latestReader interface {
	ReadLatest(ctx context.Context, dt models.DataType, exchange, symbol string) (*models.Record, error)
}

// Deps carries what the handlers serve. Nil members disable their
// endpoints with a 4xx instead of panicking; the cold role runs without
// the ingest-side members.
type Deps struct {
	Health        func() Health
	Stats         *pipeline.Stats
	QueueSizes    func() map[string]int
	Subscriptions func() []bus.ConsumerStatus
	Migration     migrationEngine
	Cleanup       cleanupRunner
	Reader        latestReader
	ConfigView    func() any
	Jobs          func() []scheduler.JobStatus
	Metrics       *metrics.Registry
}

// Handlers implements the admin endpoints.
type Handlers struct {
	deps Deps
}

// NewHandlers wires handler dependencies.
func NewHandlers(deps Deps) *Handlers {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	return &Handlers{deps: deps}
}

// Liveness serves the bare process liveness probe.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status        string                `json:"status"`
	Timestamp     time.Time             `json:"timestamp"`
	Components    map[string]string     `json:"components"`
	Issues        []string              `json:"issues,omitempty"`
	Subscriptions []bus.ConsumerStatus  `json:"subscriptions,omitempty"`
	QueueSizes    map[string]int        `json:"queue_sizes,omitempty"`
	Stats         *pipeline.Snapshot    `json:"stats,omitempty"`
	Jobs          []scheduler.JobStatus `json:"jobs,omitempty"`
}

// Status reports aggregate service health. Degraded components yield
// status "degraded" with issues listed, still as 200; 5xx is reserved
// for the handler itself failing.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	health := Health{Status: "healthy", Components: map[string]string{}}
	if h.deps.Health != nil {
		health = h.deps.Health()
	}

	resp := statusResponse{
		Status:     health.Status,
		Timestamp:  time.Now().UTC(),
		Components: health.Components,
		Issues:     health.Issues,
	}
	if h.deps.Stats != nil {
		snap := h.deps.Stats.Snapshot()
		resp.Stats = &snap
	}
	if h.deps.QueueSizes != nil {
		resp.QueueSizes = h.deps.QueueSizes()
	}
	if h.deps.Subscriptions != nil {
		resp.Subscriptions = h.deps.Subscriptions()
	}
	if h.deps.Jobs != nil {
		resp.Jobs = h.deps.Jobs()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	pipeline.Snapshot
	LatencyP50Ms float64        `json:"latency_p50_ms"`
	LatencyP95Ms float64        `json:"latency_p95_ms"`
	QueueSizes   map[string]int `json:"queue_sizes,omitempty"`
}

// Stats serves write-path counters plus insert latency quantiles drawn
// from the Prometheus histogram.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if h.deps.Stats != nil {
		resp.Snapshot = h.deps.Stats.Snapshot()
	}
	p50, p95 := h.deps.Metrics.InsertLatencyQuantiles()
	resp.LatencyP50Ms = p50 * 1000
	resp.LatencyP95Ms = p95 * 1000
	if h.deps.QueueSizes != nil {
		resp.QueueSizes = h.deps.QueueSizes()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type migrationExecuteResponse struct {
	TotalTasks      int                    `json:"total_tasks"`
	Successful      int                    `json:"successful"`
	Failed          int                    `json:"failed"`
	Skipped         int                    `json:"skipped"`
	RecordsMigrated uint64                 `json:"records_migrated"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Results         []lifecycle.TaskResult `json:"results"`
}

// MigrationExecute runs one migration cycle synchronously and reports
// per-partition outcomes. A cycle already in flight yields 409.
func (h *Handlers) MigrationExecute(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migration == nil {
		h.writeError(w, r, http.StatusBadRequest, "migration_disabled",
			"No migration engine is configured for this role")
		return
	}

	res, err := h.deps.Migration.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, lifecycle.ErrMigrationRunning) {
			h.writeError(w, r, http.StatusConflict, "migration_running",
				"A migration cycle is already in progress")
			return
		}
		status, code := failureStatus(err)
		h.writeError(w, r, status, code, err.Error())
		return
	}

	resp := migrationExecuteResponse{
		TotalTasks: res.Candidates,
		Successful: res.Migrated,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Results:    res.Tasks,
	}
	for _, task := range res.Tasks {
		if task.Error == "" {
			resp.RecordsMigrated += task.Rows
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type migrationStatusResponse struct {
	Enabled             bool                   `json:"enabled"`
	Running             bool                   `json:"running"`
	InFlight            []string               `json:"in_flight,omitempty"`
	PendingMigrations   int                    `json:"pending_migrations"`
	TotalPendingRecords uint64                 `json:"total_pending_records"`
	LastMigration       *lifecycle.CycleResult `json:"last_migration,omitempty"`
	NextRunAt           *time.Time             `json:"next_run_at,omitempty"`
	DiscoverError       string                 `json:"discover_error,omitempty"`
}

// MigrationStatus reports engine state plus the current backlog of
// migratable partitions.
func (h *Handlers) MigrationStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migration == nil {
		h.writeJSON(w, http.StatusOK, migrationStatusResponse{Enabled: false})
		return
	}

	st := h.deps.Migration.Status()
	resp := migrationStatusResponse{
		Enabled:       true,
		Running:       st.Running,
		InFlight:      st.InFlight,
		LastMigration: st.LastCycle,
	}
	if !st.NextRunAt.IsZero() {
		next := st.NextRunAt
		resp.NextRunAt = &next
	}

	if parts, err := h.deps.Migration.Discover(r.Context()); err != nil {
		resp.DiscoverError = err.Error()
	} else {
		resp.PendingMigrations = len(parts)
		for _, p := range parts {
			resp.TotalPendingRecords += p.Rows
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Cleanup triggers one retention pass. The body may carry
// {"dry_run": true} to report without dropping.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cleanup == nil {
		h.writeError(w, r, http.StatusBadRequest, "cleanup_disabled",
			"No cleanup engine is configured for this role")
		return
	}

	// An empty body means defaults; anything else malformed is a client
	// error.
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := h.deps.Cleanup.RunCycle(r.Context(), req.DryRun)
	if err != nil {
		if errors.Is(err, lifecycle.ErrCleanupRunning) {
			h.writeError(w, r, http.StatusConflict, "cleanup_running",
				"A cleanup pass is already in progress")
			return
		}
		status, code := failureStatus(err)
		h.writeError(w, r, status, code, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// Config serves the redacted runtime configuration.
func (h *Handlers) Config(w http.ResponseWriter, r *http.Request) {
	if h.deps.ConfigView == nil {
		h.writeError(w, r, http.StatusInternalServerError, "config_unavailable",
			"No configuration view is wired")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.ConfigView())
}

// Latest serves the newest record for one (type, exchange, symbol).
func (h *Handlers) Latest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reader == nil {
		h.writeError(w, r, http.StatusBadRequest, "reader_disabled",
			"Latest-record reads are not available in this role")
		return
	}

	vars := mux.Vars(r)
	dt, err := models.ParseDataType(vars["type"])
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "unknown_type", err.Error())
		return
	}

	rec, err := h.deps.Reader.ReadLatest(r.Context(), dt, vars["exchange"], vars["symbol"])
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "no_data",
				"No records stored for this exchange and symbol")
			return
		}
		status, code := failureStatus(err)
		h.writeError(w, r, status, code, err.Error())
		return
	}

	resp := map[string]any{
		"type":        rec.Type,
		"exchange":    rec.Exchange,
		"market_type": rec.MarketType,
		"symbol":      rec.Symbol,
		"timestamp":   rec.Timestamp.UTC(),
	}
	for k, v := range rec.Fields {
		resp[k] = v
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Metrics returns the Prometheus exposition handler.
func (h *Handlers) Metrics() http.Handler {
	return h.deps.Metrics.Handler()
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// failureStatus maps an operation error to the admin contract: a
// classified store failure means the core is degraded, a 4xx with a
// distinguishing code; anything else is an unexpected 5xx.
func failureStatus(err error) (int, string) {
	var se *clickhouse.StoreError
	if errors.As(err, &se) || errors.Is(err, clickhouse.ErrPoolExhausted) {
		return http.StatusBadRequest, "store_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r),
		Timestamp: time.Now().UTC(),
	})
}
