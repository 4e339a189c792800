package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/lifecycle"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/schema"
)

// runMigrate executes a single migration cycle in the foreground. It
// works even when scheduled migration is disabled in the config; the
// invocation itself is the operator's intent.
func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Hot.Host == "" {
		return errors.New("hot_clickhouse.host must be configured to migrate from")
	}
	if cfg.Cold.Host == "" {
		return errors.New("cold_clickhouse.host must be configured to migrate to")
	}

	hot := clickhouse.NewClient(cfg.Hot)
	cold := clickhouse.NewClient(cfg.Cold)
	defer hot.Close()
	defer cold.Close()

	ctx, cancel := signalContext()
	defer cancel()

	mgr := schema.NewManagerFromClients(hot, cold, cfg.HotSchema, cfg.ColdSchema)
	report, err := mgr.EnsureAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	engine := lifecycle.NewEngine(
		cfg.Migration.MigrationConfig,
		hot, cold,
		cfg.HotSchema.Database, cfg.ColdSchema.Database,
		report.EnabledTypes(), metrics.Default(),
	)

	result, err := engine.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("migration cycle failed: %w", err)
	}

	elapsed := result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond)
	fmt.Printf("Migration cycle finished in %s\n", elapsed)
	fmt.Printf("Candidates: %d  migrated: %d  failed: %d  skipped: %d\n",
		result.Candidates, result.Migrated, result.Failed, result.Skipped)

	for _, task := range result.Tasks {
		if task.Error != "" {
			fmt.Printf("  %s partition %s FAILED: %s\n", task.Table, task.Partition, task.Error)
			continue
		}
		fmt.Printf("  %s partition %s: %d rows in %d pages (%s)\n",
			task.Table, task.Partition, task.Rows, task.Pages, task.Duration.Round(time.Millisecond))
	}

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d migration tasks failed", result.Failed, result.Candidates)
	}
	return nil
}
