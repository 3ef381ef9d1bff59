// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Server exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Cache TTLs (seconds per category) ────────────────────────────────────────
	// Must preserve the volatility ordering raw_query < kpi < chart <
	// aggregation < report < forecast; Load rejects configurations that don't.
	CacheTTLRawQuery    int `env:"CACHE_TTL_RAW_QUERY"   envDefault:"60"`
	CacheTTLKPI         int `env:"CACHE_TTL_KPI"         envDefault:"300"`
	CacheTTLChart       int `env:"CACHE_TTL_CHART"       envDefault:"600"`
	CacheTTLAggregation int `env:"CACHE_TTL_AGGREGATION" envDefault:"900"`
	CacheTTLReport      int `env:"CACHE_TTL_REPORT"      envDefault:"1800"`
	CacheTTLForecast    int `env:"CACHE_TTL_FORECAST"    envDefault:"3600"`

	// ── KPI computation ──────────────────────────────────────────────────────────
	KPIComputeTimeout time.Duration `env:"KPI_COMPUTE_TIMEOUT" envDefault:"30s"`

	// ── Scheduling ───────────────────────────────────────────────────────────────
	EvaluationInterval   time.Duration `env:"ALERT_EVALUATION_INTERVAL" envDefault:"5m"`
	EscalationInterval   time.Duration `env:"ALERT_ESCALATION_INTERVAL" envDefault:"15m"`
	CacheCleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL"    envDefault:"1h"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"bizpulse@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Manual evaluation rate limiting ──────────────────────────────────────────
	// Requests per minute allowed on POST /alerts/evaluate.
	EvaluateNowPerMinute int `env:"EVALUATE_NOW_PER_MINUTE" envDefault:"6"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or the cache TTL
// ordering contract is violated.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validateTTLs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateTTLs enforces the relative TTL ordering across cache categories.
// Volatile, cheap-to-recompute categories must expire before expensive,
// stable ones.
func (c *Config) validateTTLs() error {
	ordered := []struct {
		name string
		ttl  int
	}{
		{"CACHE_TTL_RAW_QUERY", c.CacheTTLRawQuery},
		{"CACHE_TTL_KPI", c.CacheTTLKPI},
		{"CACHE_TTL_CHART", c.CacheTTLChart},
		{"CACHE_TTL_AGGREGATION", c.CacheTTLAggregation},
		{"CACHE_TTL_REPORT", c.CacheTTLReport},
		{"CACHE_TTL_FORECAST", c.CacheTTLForecast},
	}
	for i, o := range ordered {
		if o.ttl <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", o.name, o.ttl)
		}
		if i > 0 && ordered[i-1].ttl >= o.ttl {
			return fmt.Errorf("config: %s (%d) must be greater than %s (%d)",
				o.name, o.ttl, ordered[i-1].name, ordered[i-1].ttl)
		}
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
