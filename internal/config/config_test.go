// ABOUTME: Tests for environment-driven configuration loading and the cache
// ABOUTME: TTL ordering validation.
package config

import (
	"os"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/bizpulse")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if !cfg.IsDevelopment() {
		t.Error("default APP_ENV should be development")
	}
	if cfg.CacheTTLRawQuery != 60 || cfg.CacheTTLForecast != 3600 {
		t.Errorf("default TTLs: raw=%d forecast=%d", cfg.CacheTTLRawQuery, cfg.CacheTTLForecast)
	}
	if cfg.EvaluateNowPerMinute != 6 {
		t.Errorf("EvaluateNowPerMinute = %d", cfg.EvaluateNowPerMinute)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	// t.Setenv registers the restore; the unset makes the variable truly absent.
	t.Setenv("DATABASE_URL", "placeholder")
	os.Unsetenv("DATABASE_URL")

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without DATABASE_URL")
	}
}

func TestLoad_TTLOrderingEnforced(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/bizpulse")

	// kpi must expire strictly before chart; equality is a violation.
	t.Setenv("CACHE_TTL_KPI", "600")
	t.Setenv("CACHE_TTL_CHART", "600")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted equal adjacent TTLs")
	}
	if !strings.Contains(err.Error(), "CACHE_TTL_CHART") {
		t.Fatalf("error does not name the offending variable: %v", err)
	}
}

func TestLoad_TTLMustBePositive(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/bizpulse")
	t.Setenv("CACHE_TTL_RAW_QUERY", "0")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a zero TTL")
	}
}

func TestLoad_CustomOrderingAccepted(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/bizpulse")
	t.Setenv("CACHE_TTL_RAW_QUERY", "30")
	t.Setenv("CACHE_TTL_KPI", "120")
	t.Setenv("CACHE_TTL_CHART", "240")
	t.Setenv("CACHE_TTL_AGGREGATION", "480")
	t.Setenv("CACHE_TTL_REPORT", "960")
	t.Setenv("CACHE_TTL_FORECAST", "1920")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheTTLAggregation != 480 {
		t.Errorf("CacheTTLAggregation = %d", cfg.CacheTTLAggregation)
	}
}
