package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for ridecal. Keys are flat and match the
// option names recognized by the operator docs; durations configured in
// seconds/milliseconds are exposed as time.Duration via the accessors below.
type Config struct {
	// Store
	DatabaseURL string `mapstructure:"database_url"`

	// Provider credentials
	GeminiAPIKey       string `mapstructure:"gemini_api_key"`
	GeminiModel        string `mapstructure:"gemini_model"`
	GeocodingAPIKey    string `mapstructure:"geocoding_api_key"`
	GeocodingProvider  string `mapstructure:"geocoding_provider"` // nominatim or google
	GeocodingUserAgent string `mapstructure:"geocoding_user_agent"`

	// Rate limiter
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// Fetch retry
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMS int `mapstructure:"base_delay_ms"`

	// Cache freshness
	CacheTTLHTMLSeconds    int    `mapstructure:"cache_ttl_html_s"`
	CacheTTLGeocodeSeconds int    `mapstructure:"cache_ttl_geocode_s"`
	RedisAddr              string `mapstructure:"redis_addr"`

	// Scraper behavior
	ScraperDebug    bool `mapstructure:"scraper_debug"`
	ScraperRefresh  bool `mapstructure:"scraper_refresh"`
	ScraperValidate bool `mapstructure:"scraper_validate"`

	// Schedules (cron expressions)
	ScrapeSchedule     string `mapstructure:"scrape_schedule"`
	EnrichmentSchedule string `mapstructure:"enrichment_schedule"`

	// Deadlines and concurrency
	RequestTimeoutSeconds int `mapstructure:"request_timeout_s"`
	RunDeadlineSeconds    int `mapstructure:"run_deadline_s"`
	UpsertConcurrency     int `mapstructure:"upsert_concurrency"`

	// Enrichment
	EnrichBatchSize int `mapstructure:"enrich_batch_size"`

	// Location-changed trigger queue; empty brokers disables the consumer.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroup   string   `mapstructure:"kafka_group"`

	// Observability
	MetricsListen string `mapstructure:"metrics_listen"`
	LogFormat     string `mapstructure:"log_format"` // text or json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GeminiModel:        "gemini-2.0-flash",
		GeocodingProvider:  "nominatim",
		GeocodingUserAgent: "ridecal/" + Version,

		RequestsPerSecond: 2,
		Burst:             4,

		MaxRetries:  3,
		BaseDelayMS: 1000,

		CacheTTLHTMLSeconds:    24 * 3600,
		CacheTTLGeocodeSeconds: 14 * 24 * 3600,
		RedisAddr:              "localhost:6379",

		ScraperValidate: true,

		ScrapeSchedule:     "0 0 * * *", // daily at midnight
		EnrichmentSchedule: "0 2 * * *",

		RequestTimeoutSeconds: 30,
		RunDeadlineSeconds:    30 * 60,
		UpsertConcurrency:     8,

		EnrichBatchSize: 10,

		KafkaTopic: "event-location-changed",
		KafkaGroup: "ridecal-geocode",

		LogFormat: "text",
	}
}

// RequestTimeout is the per-fetch deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RunDeadline bounds a whole scrape run.
func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.RunDeadlineSeconds) * time.Second
}

// BaseDelay is the first retry backoff step.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// CacheTTLHTML is the freshness window for cached page payloads.
func (c *Config) CacheTTLHTML() time.Duration {
	return time.Duration(c.CacheTTLHTMLSeconds) * time.Second
}

// CacheTTLGeocode is the freshness window for successful geocode results.
func (c *Config) CacheTTLGeocode() time.Duration {
	return time.Duration(c.CacheTTLGeocodeSeconds) * time.Second
}
