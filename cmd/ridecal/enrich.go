package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/config"
	"github.com/trailblazeapp/ridecal/internal/enrich"
	"github.com/trailblazeapp/ridecal/internal/geo"
	"github.com/trailblazeapp/ridecal/internal/metrics"
)

var (
	geocodeLimit int
	geocodeAll   bool
	detailsLimit int
)

func enrichGeocodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich-geocode",
		Short: "Geocode events without coordinates",
		RunE:  runEnrichGeocode,
	}
	cmd.Flags().IntVar(&geocodeLimit, "limit", 50, "maximum events to geocode")
	cmd.Flags().BoolVar(&geocodeAll, "all", false, "process every unattempted event")
	return cmd
}

func runEnrichGeocode(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sink := newSink(cfg, logger)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	qc, closeCache := buildGeocodeCache(ctx, cfg, sink, logger)
	defer closeCache()

	worker := geo.NewWorker(repo, buildGeocoder(cfg), qc,
		cfg.MaxRetries, cfg.RequestTimeout(), sink, logger)

	limit := geocodeLimit
	if geocodeAll {
		limit = 1 << 30
	}
	res, err := worker.RunBatch(ctx, limit)
	if err != nil {
		return exitf(exitFatal, "geocode batch: %v", err)
	}
	logger.Info("geocoding done",
		"processed", res.Processed, "resolved", res.Resolved,
		"unknown", res.Unknown, "deferred", res.Deferred)
	return nil
}

func buildGeocoder(cfg *config.Config) geo.Geocoder {
	var g geo.Geocoder
	if cfg.GeocodingProvider == "google" {
		g = geo.NewGoogle(cfg.GeocodingAPIKey, cfg.RequestTimeout())
	} else {
		g = geo.NewNominatim(cfg.GeocodingUserAgent, cfg.RequestTimeout())
	}
	return geo.WithBreaker(g)
}

func buildGeocodeCache(ctx context.Context, cfg *config.Config, sink *metrics.Sink, logger *slog.Logger) (geo.QueryCache, func()) {
	store, err := cache.NewStore(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unreachable, geocoding uncached", "addr", cfg.RedisAddr, "error", err)
		return nil, func() {}
	}
	return cache.NewGeocodeCache(store, cfg.CacheTTLGeocode(), 0, sink), func() { store.Close() }
}

func enrichDetailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich-details",
		Short: "Check event websites and extract structured details",
		RunE:  runEnrichDetails,
	}
	cmd.Flags().IntVar(&detailsLimit, "limit", 50, "maximum events to check")
	return cmd
}

func runEnrichDetails(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.GeminiAPIKey == "" {
		return exitf(exitConfig, "gemini_api_key is required for detail enrichment")
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

	worker := enrich.NewWorker(repo, fetcher,
		enrich.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.RequestTimeout()),
		cfg.EnrichBatchSize, sink, logger)

	res, err := worker.RunBatch(ctx, detailsLimit)
	if err != nil {
		return exitf(exitFatal, "enrichment batch: %v", err)
	}
	logger.Info("detail enrichment done",
		"processed", res.Processed, "enriched", res.Enriched, "failed", res.Failed)
	return nil
}
