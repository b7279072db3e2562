package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "COUNTER_BACKEND", "COUNTER_TIMEOUT", "CAP_FAILURE_POLICY", "SESSION_TTL", "MAX_TRIGGER_WAIT"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.Port != "8787" {
		t.Errorf("port: got %q", cfg.Port)
	}
	if cfg.CounterBackend != "redis" {
		t.Errorf("counter backend: got %q", cfg.CounterBackend)
	}
	if cfg.CounterTimeout != 250*time.Millisecond {
		t.Errorf("counter timeout: got %s", cfg.CounterTimeout)
	}
	if cfg.CapFailurePolicy != "open" {
		t.Errorf("failure policy: got %q", cfg.CapFailurePolicy)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("session ttl: got %s", cfg.SessionTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COUNTER_BACKEND", "memory")
	t.Setenv("COUNTER_TIMEOUT", "100ms")
	t.Setenv("CAP_FAILURE_POLICY", "closed")
	t.Setenv("SESSION_TTL", "900")
	t.Setenv("ANALYTICS_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("RATE_LIMIT_CAPACITY", "7")
	t.Setenv("GEOIP_DB", "/data/GeoLite2-Country.mmdb")

	cfg := Load()
	if cfg.CounterBackend != "memory" || cfg.CapFailurePolicy != "closed" {
		t.Errorf("unexpected backend/policy %q/%q", cfg.CounterBackend, cfg.CapFailurePolicy)
	}
	if cfg.CounterTimeout != 100*time.Millisecond {
		t.Errorf("counter timeout: got %s", cfg.CounterTimeout)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Errorf("numeric seconds must parse: got %s", cfg.SessionTTL)
	}
	if !cfg.AnalyticsEnabled || cfg.TracingSampleRate != 0.25 || cfg.RateLimitCapacity != 7 {
		t.Errorf("unexpected parsed values %+v", cfg)
	}
	if cfg.GeoIPDB != "/data/GeoLite2-Country.mmdb" {
		t.Errorf("geoip db: got %q", cfg.GeoIPDB)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("COUNTER_TIMEOUT", "soon")
	t.Setenv("ANALYTICS_ENABLED", "maybe")
	t.Setenv("DB_MAX_OPEN_CONNS", "many")

	cfg := Load()
	if cfg.CounterTimeout != 250*time.Millisecond || cfg.AnalyticsEnabled || cfg.DBMaxOpenConns != 10 {
		t.Errorf("invalid values must fall back to defaults: %+v", cfg)
	}
}
