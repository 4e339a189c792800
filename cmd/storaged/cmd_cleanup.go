package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/lifecycle"
	"github.com/marketprism/storage/internal/metrics"
	"github.com/marketprism/storage/internal/models"
	"github.com/marketprism/storage/internal/schema"
)

// runCleanup executes a single retention pass against the cold tier.
// The --dry-run flag overrides the config when set either way.
func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Cold.Host == "" {
		return errors.New("cold_clickhouse.host must be configured to clean up")
	}

	dryRun := cfg.Cleanup.DryRun
	if cmd.Flags().Changed("dry-run") {
		dryRun, _ = cmd.Flags().GetBool("dry-run")
	}

	cold := clickhouse.NewClient(cfg.Cold)
	defer cold.Close()

	ctx, cancel := signalContext()
	defer cancel()

	cleaner := lifecycle.NewCleaner(
		cfg.Cleanup.CleanupConfig,
		cold, cfg.ColdSchema.Database, schema.TierCold,
		models.AllDataTypes(), metrics.Default(),
	)

	result, err := cleaner.RunCycle(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("cleanup cycle failed: %w", err)
	}

	elapsed := result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond)
	fmt.Printf("Cleanup finished in %s (effective retention %d days)\n", elapsed, result.EffectiveAge)

	if result.DryRun {
		candidates := 0
		for _, table := range result.Tables {
			candidates += table.Candidates
		}
		fmt.Printf("Total: would drop %d partitions, %d rows\n", candidates, result.TotalRows)
	} else {
		fmt.Printf("Total: dropped %d partitions, %d rows\n", result.TotalDropped, result.TotalRows)
	}

	for _, table := range result.Tables {
		if table.Error != "" {
			fmt.Printf("  %s FAILED: %s\n", table.Table, table.Error)
			continue
		}
		if table.Candidates == 0 {
			continue
		}
		if result.DryRun {
			fmt.Printf("  %s: %d expired partitions (%d rows)\n", table.Table, table.Candidates, table.Rows)
		} else {
			fmt.Printf("  %s: dropped %d of %d partitions (%d rows)\n",
				table.Table, table.Dropped, table.Candidates, table.Rows)
		}
	}
	return nil
}
