package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("RIDECAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ridecal")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".ridecal"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper so env overrides bind.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database_url", cfg.DatabaseURL)
	v.SetDefault("gemini_api_key", cfg.GeminiAPIKey)
	v.SetDefault("gemini_model", cfg.GeminiModel)
	v.SetDefault("geocoding_api_key", cfg.GeocodingAPIKey)
	v.SetDefault("geocoding_provider", cfg.GeocodingProvider)
	v.SetDefault("geocoding_user_agent", cfg.GeocodingUserAgent)

	v.SetDefault("requests_per_second", cfg.RequestsPerSecond)
	v.SetDefault("burst", cfg.Burst)

	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("base_delay_ms", cfg.BaseDelayMS)

	v.SetDefault("cache_ttl_html_s", cfg.CacheTTLHTMLSeconds)
	v.SetDefault("cache_ttl_geocode_s", cfg.CacheTTLGeocodeSeconds)
	v.SetDefault("redis_addr", cfg.RedisAddr)

	v.SetDefault("scraper_debug", cfg.ScraperDebug)
	v.SetDefault("scraper_refresh", cfg.ScraperRefresh)
	v.SetDefault("scraper_validate", cfg.ScraperValidate)

	v.SetDefault("scrape_schedule", cfg.ScrapeSchedule)
	v.SetDefault("enrichment_schedule", cfg.EnrichmentSchedule)

	v.SetDefault("request_timeout_s", cfg.RequestTimeoutSeconds)
	v.SetDefault("run_deadline_s", cfg.RunDeadlineSeconds)
	v.SetDefault("upsert_concurrency", cfg.UpsertConcurrency)

	v.SetDefault("enrich_batch_size", cfg.EnrichBatchSize)

	v.SetDefault("kafka_brokers", cfg.KafkaBrokers)
	v.SetDefault("kafka_topic", cfg.KafkaTopic)
	v.SetDefault("kafka_group", cfg.KafkaGroup)

	v.SetDefault("metrics_listen", cfg.MetricsListen)
	v.SetDefault("log_format", cfg.LogFormat)
}
