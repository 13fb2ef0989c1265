package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/trailblazeapp/ridecal/internal/aerc"
	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/config"
	"github.com/trailblazeapp/ridecal/internal/fetch"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/normalizer"
	"github.com/trailblazeapp/ridecal/internal/ratelimit"
	"github.com/trailblazeapp/ridecal/internal/scrape"
	"github.com/trailblazeapp/ridecal/internal/types"
)

var scrapeSource string

func runScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-scrape",
		Short: "Run one calendar scrape end to end",
		RunE:  runScrape,
	}
	cmd.Flags().StringVar(&scrapeSource, "source", types.SourceAERC, "calendar source to scrape")
	return cmd
}

func runScrape(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if scrapeSource != types.SourceAERC {
		return exitf(exitConfig, "unknown source %q", scrapeSource)
	}

	ctx := cmd.Context()
	sink := newSink(cfg, logger)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	fetcher, closeFetcher := buildFetcher(ctx, cfg, sink, logger)
	defer closeFetcher()

	o := scrape.New(
		fetcher,
		aerc.New(logger, cfg.ScraperDebug),
		normalizer.New(logger),
		repo,
		sink,
		logger,
		scrape.Options{
			RunDeadline:       cfg.RunDeadline(),
			UpsertConcurrency: cfg.UpsertConcurrency,
		},
	)

	report, err := o.Run(ctx)
	switch report.Outcome {
	case types.RunOK:
		return nil
	case types.RunDegraded:
		return exitf(exitDegraded, "run degraded: zero valid events")
	default:
		return exitf(exitFatal, "run %s: %v", report.Outcome, err)
	}
}

// buildFetcher assembles the rate-limited, cached HTTP fetcher. An
// unreachable Redis degrades to uncached fetching with a warning.
func buildFetcher(ctx context.Context, cfg *config.Config, sink *metrics.Sink, logger *slog.Logger) (*fetch.HTTPFetcher, func()) {
	limiter := ratelimit.New(cfg.RequestsPerSecond, cfg.Burst, sink)

	var cc *cache.ContentCache
	var store *cache.Store
	store, err := cache.NewStore(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unreachable, fetching uncached", "addr", cfg.RedisAddr, "error", err)
	} else {
		cc = cache.NewContentCache(store, cfg.CacheTTLHTML(), contentValidator(cfg), cfg.ScraperRefresh, sink, logger)
	}

	fetcher := fetch.New(cc, limiter, "ridecal/"+config.Version,
		cfg.RequestTimeout(), cfg.MaxRetries, cfg.BaseDelay(), sink, logger)

	return fetcher, func() {
		fetcher.Close()
		if store != nil {
			store.Close()
		}
	}
}

// contentValidator returns the cached-page validator, or nil when
// scraper_validate is off.
func contentValidator(cfg *config.Config) cache.Validator {
	if !cfg.ScraperValidate {
		return nil
	}
	return cache.NonEmpty
}
