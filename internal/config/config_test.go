package config

import (
	"errors"
	"testing"
	"time"

	"github.com/trailblazeapp/ridecal/internal/types"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://localhost/ridecal"
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateMissingDatabaseURL(t *testing.T) {
	cfg := DefaultConfig()
	err := Validate(cfg)
	var ce *types.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Option != "database_url" {
		t.Errorf("wrong option flagged: %s", ce.Option)
	}
}

func TestValidateProviderRules(t *testing.T) {
	cfg := validConfig()
	cfg.GeocodingProvider = "google"
	cfg.GeocodingAPIKey = ""
	if err := Validate(cfg); err == nil {
		t.Error("google without api key should fail")
	}

	cfg = validConfig()
	cfg.GeocodingProvider = "nominatim"
	cfg.GeocodingUserAgent = ""
	if err := Validate(cfg); err == nil {
		t.Error("nominatim without user agent should fail")
	}

	cfg = validConfig()
	cfg.GeocodingProvider = "mapquest"
	if err := Validate(cfg); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestValidateCron(t *testing.T) {
	cfg := validConfig()
	cfg.ScrapeSchedule = "not a cron"
	if err := Validate(cfg); err == nil {
		t.Error("invalid cron should fail")
	}

	cfg = validConfig()
	cfg.ScrapeSchedule = "*/15 * * * *"
	if err := Validate(cfg); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelayMS = 1500
	if got := cfg.BaseDelay(); got != 1500*time.Millisecond {
		t.Errorf("BaseDelay = %v", got)
	}
	cfg.CacheTTLHTMLSeconds = 60
	if got := cfg.CacheTTLHTML(); got != time.Minute {
		t.Errorf("CacheTTLHTML = %v", got)
	}
}
