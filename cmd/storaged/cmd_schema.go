package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketprism/storage/internal/clickhouse"
	"github.com/marketprism/storage/internal/config"
	"github.com/marketprism/storage/internal/schema"
)

// runSchema ensures the databases and tables for the configured role,
// the same pass the service runs at startup.
func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var hot, cold *clickhouse.Client
	if cfg.Mode == config.ModeHot {
		hot = clickhouse.NewClient(cfg.Hot)
		defer hot.Close()
	}
	if cfg.Mode == config.ModeCold || cfg.Migration.Enabled {
		cold = clickhouse.NewClient(cfg.Cold)
		defer cold.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	mgr := schema.NewManagerFromClients(hot, cold, cfg.HotSchema, cfg.ColdSchema)
	report, err := mgr.EnsureAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	for _, status := range report.Confirmed {
		fmt.Printf("  ok   %s (%s)\n", status.Table, status.Tier)
	}
	for _, status := range report.Failed {
		fmt.Printf("  FAIL %s (%s): %s\n", status.Table, status.Tier, status.Error)
	}
	fmt.Printf("Confirmed %d tables, %d failed\n", len(report.Confirmed), len(report.Failed))

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d table creations failed", len(report.Failed))
	}
	return nil
}
