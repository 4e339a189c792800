package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/config"
	"github.com/marketprism/storage/internal/schema"
)

type okExec struct{}

func (okExec) Execute(ctx context.Context, sql string) error { return nil }

// fullReport runs a real ensure pass against no-op executors so every
// data type comes back enabled.
func fullReport(t *testing.T, cfg *config.Config) *schema.EnsureReport {
	t.Helper()
	mgr := schema.NewManager(okExec{}, okExec{}, cfg.HotSchema, cfg.ColdSchema)
	report, err := mgr.EnsureAll(context.Background())
	require.NoError(t, err)
	return report
}

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(&cfg)

	assert.NotNil(t, s.stats)
	assert.NotNil(t, s.jobs)
	assert.NotNil(t, s.metrics)
}

func TestDeps_AbsentComponentsStayNil(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(&cfg)

	deps := s.deps()

	assert.NotNil(t, deps.Health)
	assert.NotNil(t, deps.Stats)
	assert.NotNil(t, deps.ConfigView)
	assert.NotNil(t, deps.Jobs)
	assert.NotNil(t, deps.Metrics)

	// Interface members must be untyped nil, not a typed nil pointer,
	// or the handlers' disabled checks stop working.
	assert.True(t, deps.Migration == nil)
	assert.True(t, deps.Cleanup == nil)
	assert.True(t, deps.Reader == nil)
	assert.Nil(t, deps.QueueSizes)
	assert.Nil(t, deps.Subscriptions)
}

func TestStartLifecycle(t *testing.T) {
	jobNames := func(s *Service) []string {
		names := make([]string, 0, 2)
		for _, st := range s.jobs.Status() {
			names = append(names, st.Name)
		}
		return names
	}

	t.Run("hot_role_registers_both_jobs", func(t *testing.T) {
		cfg := config.DefaultConfig()
		s := New(&cfg)
		s.hotClient = clickhouse.NewClient(cfg.Hot)
		s.coldClient = clickhouse.NewClient(cfg.Cold)

		s.startLifecycle(context.Background(), fullReport(t, &cfg))

		assert.NotNil(t, s.migration)
		assert.NotNil(t, s.cleaner)
		assert.ElementsMatch(t, []string{"migration", "cleanup"}, jobNames(s))
	})

	t.Run("empty_schedule_skips_migration_job", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Migration.Schedule = ""
		s := New(&cfg)
		s.hotClient = clickhouse.NewClient(cfg.Hot)
		s.coldClient = clickhouse.NewClient(cfg.Cold)

		// Canceled context so the continuous cycle loop exits at once.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.startLifecycle(ctx, fullReport(t, &cfg))

		assert.NotNil(t, s.migration, "continuous mode still builds the engine")
		assert.ElementsMatch(t, []string{"cleanup"}, jobNames(s))
	})

	t.Run("cold_role_runs_cleanup_only", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Mode = config.ModeCold
		s := New(&cfg)
		s.coldClient = clickhouse.NewClient(cfg.Cold)

		s.startLifecycle(context.Background(), fullReport(t, &cfg))

		assert.Nil(t, s.migration, "migration needs the hot tier")
		assert.NotNil(t, s.cleaner)
		assert.ElementsMatch(t, []string{"cleanup"}, jobNames(s))
	})

	t.Run("disabled_engines_stay_nil", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Migration.Enabled = false
		cfg.Cleanup.Enabled = false
		s := New(&cfg)
		s.hotClient = clickhouse.NewClient(cfg.Hot)
		s.coldClient = clickhouse.NewClient(cfg.Cold)

		s.startLifecycle(context.Background(), fullReport(t, &cfg))

		assert.Nil(t, s.migration)
		assert.Nil(t, s.cleaner)
		assert.Empty(t, jobNames(s))
	})
}

func TestHealth_BareService(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(&cfg)

	h := s.health()

	assert.Equal(t, "healthy", h.Status)
	assert.Empty(t, h.Issues)
	assert.Empty(t, h.Components, "nothing started, nothing reported")
}

func TestShutdown_NilSafe(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(&cfg)

	assert.NotPanics(t, func() { s.shutdown() })
}
