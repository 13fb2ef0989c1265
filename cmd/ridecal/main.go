package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trailblazeapp/ridecal/internal/config"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/storage"
	"github.com/trailblazeapp/ridecal/internal/types"
)

// Exit codes: 0 ok, 1 config error, 2 degraded run, 3 fatal.
const (
	exitOK       = 0
	exitConfig   = 1
	exitDegraded = 2
	exitFatal    = 3
)

var (
	cfgFile string
	verbose bool
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ridecal",
		Short: "ridecal scrapes and enriches the AERC ride calendar",
		Long: `ridecal scrapes the AERC ride calendar into a relational store and
enriches stored events with geocoding and website details.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runScrapeCmd())
	rootCmd.AddCommand(enrichGeocodeCmd())
	rootCmd.AddCommand(enrichDetailsCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ridecal:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		var ce *types.ConfigError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFatal)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("ridecal", config.Version)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return exitf(exitFatal, "open store: %v", err)
			}
			defer db.Close()
			if err := storage.Migrate(db.DB); err != nil {
				return exitf(exitFatal, "migrate: %v", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg), nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.ScraperDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newSink builds the metrics sink and serves /metrics when configured.
func newSink(cfg *config.Config, logger *slog.Logger) *metrics.Sink {
	sink := metrics.New(config.Version)
	if cfg.MetricsListen != "" {
		sink.Serve(cfg.MetricsListen, logger)
	}
	return sink
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Repository, func(), error) {
	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, exitf(exitFatal, "open store: %v", err)
	}
	return storage.NewRepository(db, logger), func() { db.Close() }, nil
}
