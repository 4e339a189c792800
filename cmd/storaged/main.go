package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marketprism/storage/internal/config"
	"github.com/marketprism/storage/internal/service"
)

const (
	appName = "storaged"
	version = "v1.2.0"
)

var (
	configPath   string
	modeFlag     string
	logLevelFlag string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// Console output on a terminal, JSON everywhere else.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Tiered market data storage service",
		Version: version,
		Long: `storaged consumes normalized market data from NATS JetStream, batches it
into a hot ClickHouse tier, migrates aged partitions to a cold tier, and
enforces retention there. The storage_mode setting selects the role: hot
runs the full ingest pipeline, cold maintains the archive.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/storage.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Override storage_mode (hot or cold)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log_level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage service",
		Long:  "Starts the configured role and serves the admin API until SIGINT/SIGTERM",
		RunE:  runServe,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run one hot-to-cold migration cycle",
		Long:  "Discovers aged hot partitions, relays them to the cold tier with verification, and drops migrated partitions",
		RunE:  runMigrate,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention cleanup cycle",
		Long:  "Drops cold-tier partitions older than the retention age; --dry-run reports without dropping",
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().Bool("dry-run", false, "Report what would be dropped without dropping")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Ensure databases and tables exist",
		Long:  "Idempotently creates the databases and per-type tables for the configured role",
		RunE:  runSchema,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config. The default path
// is optional: when absent the built-in defaults plus env overrides
// apply. An explicitly flagged path must exist. --mode and --log-level
// outrank both the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overridden := false
	if cmd.Flags().Changed("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(modeFlag))
		overridden = true
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevelFlag
		overridden = true
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	if lv, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lv)
	}
	return cfg, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return service.New(cfg).Run(ctx)
}
