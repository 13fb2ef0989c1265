package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trailblazeapp/ridecal/internal/aerc"
	"github.com/trailblazeapp/ridecal/internal/enrich"
	"github.com/trailblazeapp/ridecal/internal/geo"
	"github.com/trailblazeapp/ridecal/internal/geo/trigger"
	"github.com/trailblazeapp/ridecal/internal/normalizer"
	"github.com/trailblazeapp/ridecal/internal/schedule"
	"github.com/trailblazeapp/ridecal/internal/scrape"
	"github.com/trailblazeapp/ridecal/internal/types"
)

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the scrape and enrichment schedules until interrupted",
		RunE:  runSchedule,
	}
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := newSink(cfg, logger)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	fetcher, closeFetcher := buildFetcher(ctx, cfg, sink, logger)
	defer closeFetcher()

	orchestrator := scrape.New(
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

	qc, closeCache := buildGeocodeCache(ctx, cfg, sink, logger)
	defer closeCache()
	geoWorker := geo.NewWorker(repo, buildGeocoder(cfg), qc,
		cfg.MaxRetries, cfg.RequestTimeout(), sink, logger)

	enrichWorker := enrich.NewWorker(repo, fetcher,
		enrich.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.RequestTimeout()),
		cfg.EnrichBatchSize, sink, logger)

	sched := schedule.New(sink, logger)
	err = sched.Add("scrape", cfg.ScrapeSchedule, func(ctx context.Context) error {
		_, err := orchestrator.Run(ctx)
		return err
	})
	if err != nil {
		return exitf(exitConfig, "%v", err)
	}
	// Seed the last firing from the persisted runs so a schedule gap
	// across a restart is reported instead of silently back-filled.
	if last, err := repo.LastRunStartedAt(ctx, types.SourceAERC); err != nil {
		logger.Warn("last run time unavailable, restart gaps undetected", "error", err)
	} else if !last.IsZero() {
		_ = sched.SeedLastFire("scrape", last)
	}

	err = sched.Add("enrich", cfg.EnrichmentSchedule, func(ctx context.Context) error {
		if _, err := geoWorker.RunBatch(ctx, geocodeLimit); err != nil {
			return err
		}
		if cfg.GeminiAPIKey == "" {
			return nil
		}
		_, err := enrichWorker.RunBatch(ctx, detailsLimit)
		return err
	})
	if err != nil {
		return exitf(exitConfig, "%v", err)
	}

	consumer := trigger.New(trigger.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroup,
	}, geoWorker, logger)
	if consumer.Enabled() {
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("trigger consumer stopped", "error", err)
			}
		}()
	}

	sched.Run(ctx)
	return nil
}
