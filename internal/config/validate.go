package config

import (
	"github.com/robfig/cron/v3"

	"github.com/trailblazeapp/ridecal/internal/types"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks the configuration for startup-fatal problems.
func Validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return &types.ConfigError{Option: "database_url", Reason: "required"}
	}

	switch cfg.GeocodingProvider {
	case "nominatim":
		if cfg.GeocodingUserAgent == "" {
			return &types.ConfigError{Option: "geocoding_user_agent", Reason: "required for nominatim"}
		}
	case "google":
		if cfg.GeocodingAPIKey == "" {
			return &types.ConfigError{Option: "geocoding_api_key", Reason: "required for google"}
		}
	default:
		return &types.ConfigError{Option: "geocoding_provider", Reason: "must be nominatim or google"}
	}

	if cfg.RequestsPerSecond <= 0 {
		return &types.ConfigError{Option: "requests_per_second", Reason: "must be > 0"}
	}
	if cfg.Burst < 1 {
		return &types.ConfigError{Option: "burst", Reason: "must be >= 1"}
	}
	if cfg.MaxRetries < 0 {
		return &types.ConfigError{Option: "max_retries", Reason: "must be >= 0"}
	}
	if cfg.BaseDelayMS <= 0 {
		return &types.ConfigError{Option: "base_delay_ms", Reason: "must be > 0"}
	}

	if _, err := cronParser.Parse(cfg.ScrapeSchedule); err != nil {
		return &types.ConfigError{Option: "scrape_schedule", Reason: "invalid cron expression"}
	}
	if _, err := cronParser.Parse(cfg.EnrichmentSchedule); err != nil {
		return &types.ConfigError{Option: "enrichment_schedule", Reason: "invalid cron expression"}
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return &types.ConfigError{Option: "log_format", Reason: "must be text or json"}
	}

	return nil
}
