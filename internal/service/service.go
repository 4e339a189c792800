// Package service is the composition root. It wires configuration,
// store clients, the ingest pipeline, lifecycle engines, the scheduler,
// and the admin surface into one runnable process with an ordered
// startup and a graceful, bounded shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketprism/storage/internal/api"
	"github.com/marketprism/storage/internal/bus"
	"github.com/marketprism/storage/internal/cache"
	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/config"
	"github.com/marketprism/storage/internal/lifecycle"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/pipeline"
	"github.com/marketprism/storage/internal/query"
	"github.com/marketprism/storage/internal/schema"
	"github.com/marketprism/storage/internal/scheduler"
)

const shutdownGrace = 10 * time.Second

// Service owns every long-lived component of one storage process. Which
// components exist depends on the configured role: the hot role runs the
// full ingest pipeline plus migration, the cold role only maintains the
// migration target and its retention.
type Service struct {
	cfg     *config.Config
	metrics *metrics.Registry
	stats   *pipeline.Stats

	hotClient  *clickhouse.Client
	coldClient *clickhouse.Client
	pool       *clickhouse.Pool

	queues     *pipeline.Manager
	subscriber *bus.Subscriber

	migration *lifecycle.Engine
	cleaner   *lifecycle.Cleaner
	jobs      *scheduler.Scheduler

	cache  *cache.Cache
	reader *query.Reader
	server *api.Server
}

// New builds an unstarted service around a validated config.
func New(cfg *config.Config) *Service {
	return &Service{
		cfg:     cfg,
		metrics: metrics.Default(),
		stats:   pipeline.NewStats(),
		jobs:    scheduler.New(),
	}
}

// Run starts every component for the configured role and blocks until
// the context is canceled or the admin server fails. Startup order is
// schema first, then the write path, then intake, so no message is
// pulled off the bus before it has somewhere to land.
func (s *Service) Run(ctx context.Context) error {
	log.Info().
		Str("mode", s.cfg.Mode).
		Msg("Storage service starting")

	if s.cfg.Mode == config.ModeHot {
		s.hotClient = clickhouse.NewClient(s.cfg.Hot)
	}
	if s.cfg.Mode == config.ModeCold || s.cfg.Migration.Enabled {
		s.coldClient = clickhouse.NewClient(s.cfg.Cold)
	}

	mgr := schema.NewManagerFromClients(s.hotClient, s.coldClient, s.cfg.HotSchema, s.cfg.ColdSchema)
	report, err := mgr.EnsureAll(ctx)
	if err != nil {
		s.shutdown()
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	if s.cfg.Mode == config.ModeHot {
		if err := s.startIngest(ctx, report); err != nil {
			s.shutdown()
			return err
		}
	}
	s.startLifecycle(ctx, report)
	s.jobs.Start(ctx)

	s.server = api.NewServer(s.cfg.API, api.NewHandlers(s.deps()))
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.server.Start() }()

	log.Info().Msg("Storage service ready")

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-serverErr:
		s.shutdown()
		return err
	}
}

// startIngest brings up the hot write path back to front: pool, writer,
// queues, then the bus subscriber, so records always have a landing
// zone. Only types whose hot table ensured cleanly are subscribed.
func (s *Service) startIngest(ctx context.Context, report *schema.EnsureReport) error {
	ingest := make([]models.DataType, 0, len(models.SubscribedTypes()))
	for _, dt := range models.SubscribedTypes() {
		if report.Enabled(dt) {
			ingest = append(ingest, dt)
		}
	}
	if len(ingest) == 0 {
		return errors.New("no ingestible data types: every hot table failed to ensure")
	}

	hotCfg := s.cfg.Hot
	s.pool = clickhouse.NewPool(s.cfg.Pool, func() *clickhouse.Client {
		return clickhouse.NewClient(hotCfg)
	})

	writer := pipeline.NewWriter(s.cfg.Writer, s.pool, s.cfg.HotSchema.Database, s.stats, s.metrics)
	s.queues = pipeline.NewManager(s.cfg.Queue, ingest, writer, s.stats, s.metrics)
	s.queues.Start(ctx)

	sub, err := bus.NewSubscriber(s.cfg.Bus, s.queues, s.stats, s.metrics)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	s.subscriber = sub
	if err := sub.Start(ctx, ingest); err != nil {
		return fmt.Errorf("failed to start subscriptions: %w", err)
	}

	s.cache = cache.New(s.cfg.Cache, s.metrics)
	s.reader = query.NewReader(s.hotClient, s.cache, s.cfg.HotSchema.Database)
	return nil
}

// startLifecycle registers migration and cleanup. Migration runs on the
// hot role only; it reads the hot tier and writes the cold one. With a
// cron schedule it rides the scheduler, otherwise it falls back to the
// engine's own continuous cycle loop.
func (s *Service) startLifecycle(ctx context.Context, report *schema.EnsureReport) {
	types := report.EnabledTypes()

	if s.cfg.Migration.Enabled && s.hotClient != nil && s.coldClient != nil {
		s.migration = lifecycle.NewEngine(
			s.cfg.Migration.MigrationConfig,
			s.hotClient, s.coldClient,
			s.cfg.HotSchema.Database, s.cfg.ColdSchema.Database,
			types, s.metrics,
		)
		if s.cfg.Migration.Schedule != "" {
			if err := s.jobs.Add("migration", s.cfg.Migration.Schedule, s.runMigration); err != nil {
				log.Error().Err(err).Msg("Failed to register migration job")
			}
		} else {
			go s.migration.Run(ctx)
		}
	}

	if s.cfg.Cleanup.Enabled && s.coldClient != nil {
		s.cleaner = lifecycle.NewCleaner(
			s.cfg.Cleanup.CleanupConfig,
			s.coldClient, s.cfg.ColdSchema.Database, schema.TierCold,
			types, s.metrics,
		)
		if err := s.jobs.Add("cleanup", s.cfg.Cleanup.Schedule, s.runCleanup); err != nil {
			log.Error().Err(err).Msg("Failed to register cleanup job")
		}
	}
}

// runMigration adapts the engine to a scheduler job. An admin-triggered
// cycle already in flight turns the fire into a logged no-op instead of
// a failure.
func (s *Service) runMigration(ctx context.Context) error {
	_, err := s.migration.RunCycle(ctx)
	if errors.Is(err, lifecycle.ErrMigrationRunning) {
		log.Info().Msg("Migration cycle already in flight; scheduled run skipped")
		return nil
	}
	return err
}

func (s *Service) runCleanup(ctx context.Context) error {
	_, err := s.cleaner.RunCycle(ctx, s.cfg.Cleanup.DryRun)
	if errors.Is(err, lifecycle.ErrCleanupRunning) {
		log.Info().Msg("Cleanup already in flight; scheduled run skipped")
		return nil
	}
	return err
}

// deps exposes the running components to the admin surface. Absent
// components stay nil so role-inapplicable endpoints answer a clean 4xx
// instead of panicking.
func (s *Service) deps() api.Deps {
	deps := api.Deps{
		Health:     s.health,
		Stats:      s.stats,
		ConfigView: func() any { return s.cfg.Redacted() },
		Jobs:       s.jobs.Status,
		Metrics:    s.metrics,
	}
	if s.queues != nil {
		deps.QueueSizes = s.queues.QueueSizes
	}
	if s.subscriber != nil {
		deps.Subscriptions = s.subscriber.Status
	}
	if s.migration != nil {
		deps.Migration = s.migration
	}
	if s.cleaner != nil {
		deps.Cleanup = s.cleaner
	}
	if s.reader != nil {
		deps.Reader = s.reader
	}
	return deps
}

// health feeds GET /health and GET /status. Pool and bus state are read
// from memory; only the cold endpoint and the cache get a short live
// probe. An unreachable cache lowers no status: reads degrade to direct
// store lookups.
func (s *Service) health() api.Health {
	h := api.Health{
		Status:     "healthy",
		Components: make(map[string]string),
	}
	degrade := func(component, state, issue string) {
		h.Components[component] = state
		h.Status = "degraded"
		h.Issues = append(h.Issues, issue)
	}

	if s.pool != nil {
		if s.pool.Degraded() {
			degrade("clickhouse_hot", "degraded", "connection pool degraded")
		} else {
			h.Components["clickhouse_hot"] = "healthy"
		}
	}
	if s.subscriber != nil {
		if s.subscriber.Connected() {
			h.Components["nats"] = "healthy"
		} else {
			degrade("nats", "disconnected", "bus connection down")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.coldClient != nil {
		if err := s.coldClient.Ping(ctx); err != nil {
			degrade("clickhouse_cold", "unreachable", fmt.Sprintf("cold tier: %v", err))
		} else {
			h.Components["clickhouse_cold"] = "healthy"
		}
	}
	if s.cache.Enabled() {
		if s.cache.Healthy(ctx) {
			h.Components["cache"] = "healthy"
		} else {
			h.Components["cache"] = "unreachable"
		}
	}
	return h
}

// shutdown stops intake first, then drains the queues best-effort within
// the grace period, then tears the rest down. Every branch is nil-safe
// so a failed partial startup shuts down the same way.
func (s *Service) shutdown() {
	log.Info().Msg("Storage service stopping")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if s.subscriber != nil {
		s.subscriber.Stop()
	}
	if s.queues != nil {
		s.queues.Stop()
		report := s.queues.DrainAll(ctx)
		ev := log.Info()
		if len(report.Dropped) > 0 {
			ev = log.Warn()
		}
		ev.Int("flushed", report.Flushed).
			Interface("dropped", report.Dropped).
			Msg("Shutdown drain finished")
	}
	s.jobs.Stop()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.hotClient != nil {
		s.hotClient.Close()
	}
	if s.coldClient != nil {
		s.coldClient.Close()
	}

	snap := s.stats.Snapshot()
	log.Info().
		Int64("messages_received", snap.MessagesReceived).
		Int64("messages_stored", snap.MessagesStored).
		Int64("rows_written", snap.RowsWritten).
		Float64("uptime_seconds", snap.UptimeSeconds).
		Msg("Storage service stopped")
}
