package schema

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/models"
)

// Executor is the slice of the store client the manager needs.
type Executor interface {
	Execute(ctx context.Context, sql string) error
}

// Manager idempotently creates the databases and per-type tables on
// process start. It never drops or alters pre-existing tables.
type Manager struct {
	hot     Executor
	cold    Executor
	hotCfg  TierConfig
	coldCfg TierConfig
}

// NewManager builds a manager over the tier endpoints. Either executor may
// be nil when the process role does not own that tier.
func NewManager(hot, cold Executor, hotCfg, coldCfg TierConfig) *Manager {
	return &Manager{hot: hot, cold: cold, hotCfg: hotCfg, coldCfg: coldCfg}
}

// TableStatus records one ensure outcome.
type TableStatus struct {
	Table string `json:"table"`
	Tier  Tier   `json:"tier"`
	Error string `json:"error,omitempty"`
}

// EnsureReport summarizes an EnsureAll pass.
type EnsureReport struct {
	Confirmed []TableStatus `json:"confirmed"`
	Failed    []TableStatus `json:"failed"`

	enabled map[models.DataType]bool
}

// EnabledTypes lists the data types whose hot table is usable; ingestion
// for the others is disabled until the next ensure.
func (r *EnsureReport) EnabledTypes() []models.DataType {
	types := make([]models.DataType, 0, len(r.enabled))
	for _, dt := range models.AllDataTypes() {
		if r.enabled[dt] {
			types = append(types, dt)
		}
	}
	return types
}

// Enabled reports whether a single type's hot table is usable.
func (r *EnsureReport) Enabled(dt models.DataType) bool {
	return r.enabled[dt]
}

// EnsureAll creates the databases and every per-type table on the tiers
// this manager owns. Table creation fails soft: the failed type is
// disabled and the pipeline continues. Only a full wipe-out, every table
// failing, is fatal.
func (m *Manager) EnsureAll(ctx context.Context) (*EnsureReport, error) {
	report := &EnsureReport{enabled: make(map[models.DataType]bool)}

	if m.hot != nil {
		if err := m.hot.Execute(ctx, BuildDatabaseDDL(m.hotCfg.Database)); err != nil {
			return nil, fmt.Errorf("failed to ensure hot database: %w", err)
		}
	}
	if m.cold != nil {
		if err := m.cold.Execute(ctx, BuildDatabaseDDL(m.coldCfg.Database)); err != nil {
			return nil, fmt.Errorf("failed to ensure cold database: %w", err)
		}
	}

	attempted := 0
	for _, dt := range models.AllDataTypes() {
		if m.hot != nil {
			attempted++
			status := m.ensureTable(ctx, m.hot, TierHot, m.hotCfg, dt)
			if status.Error == "" {
				report.Confirmed = append(report.Confirmed, status)
				report.enabled[dt] = true
			} else {
				report.Failed = append(report.Failed, status)
			}
		}
		if m.cold != nil {
			attempted++
			status := m.ensureTable(ctx, m.cold, TierCold, m.coldCfg, dt)
			if status.Error == "" {
				report.Confirmed = append(report.Confirmed, status)
				if m.hot == nil {
					report.enabled[dt] = true
				}
			} else {
				report.Failed = append(report.Failed, status)
			}
		}
	}

	if attempted > 0 && len(report.Confirmed) == 0 {
		return report, fmt.Errorf("all %d table creations failed", attempted)
	}

	log.Info().
		Int("confirmed", len(report.Confirmed)).
		Int("failed", len(report.Failed)).
		Msg("Schema ensured")
	return report, nil
}

func (m *Manager) ensureTable(ctx context.Context, exec Executor, tier Tier, cfg TierConfig, dt models.DataType) TableStatus {
	table := QualifiedTable(cfg.Database, tier, dt)
	status := TableStatus{Table: table, Tier: tier}

	if err := exec.Execute(ctx, BuildTableDDL(tier, cfg, dt)); err != nil {
		status.Error = err.Error()
		log.Error().
			Err(err).
			Str("table", table).
			Msg("Table creation failed; data type disabled on this tier")
		return status
	}

	log.Debug().Str("table", table).Msg("Table confirmed")
	return status
}

// NewManagerFromClients binds a manager to concrete store clients, keeping
// nil clients as nil executors rather than non-nil interfaces.
func NewManagerFromClients(hot, cold *clickhouse.Client, hotCfg, coldCfg TierConfig) *Manager {
	var h, c Executor
	if hot != nil {
		h = hot
	}
	if cold != nil {
		c = cold
	}
	return NewManager(h, c, hotCfg, coldCfg)
}
