// Package kpi defines the KPI calculator contract consumed by the alert
// evaluator, plus the caching decorator that fronts any calculator with the
// analytics cache and a per-computation timeout.
//
// The calculator itself is an external collaborator: it must be a pure
// function of its inputs and current database state, with no caching of its
// own — caching is this package's job.
package kpi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcroft/bizpulse/internal/cache"
)

// ErrUnknownKPI is returned (possibly wrapped) by calculators when asked for
// a metric they do not recognize. The evaluator treats it as a per-rule data
// error, not an infrastructure failure.
var ErrUnknownKPI = errors.New("unknown kpi")

// TimeRange bounds a metric computation. Zero values mean "all time".
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calculator computes the current value of a named metric.
type Calculator interface {
	Compute(ctx context.Context, kpiType, kpiName string, rng *TimeRange) (float64, error)
}

// CalculatorFunc adapts a function to the Calculator interface.
type CalculatorFunc func(ctx context.Context, kpiType, kpiName string, rng *TimeRange) (float64, error)

// Compute calls f.
func (f CalculatorFunc) Compute(ctx context.Context, kpiType, kpiName string, rng *TimeRange) (float64, error) {
	return f(ctx, kpiType, kpiName, rng)
}

// CachedCalculator decorates a Calculator with the analytics cache. Repeated
// requests for the same (type, name, range) are served from cache until
// invalidated or expired; the miss path is bounded by a timeout so one slow
// metric cannot stall an entire evaluation pass.
type CachedCalculator struct {
	calc    Calculator
	cache   *cache.AnalyticsCache
	timeout time.Duration
	log     *slog.Logger
}

// NewCachedCalculator wraps calc. timeout bounds each underlying
// computation; zero disables the bound.
func NewCachedCalculator(calc Calculator, c *cache.AnalyticsCache, timeout time.Duration, log *slog.Logger) *CachedCalculator {
	if log == nil {
		log = slog.Default()
	}
	return &CachedCalculator{calc: calc, cache: c, timeout: timeout, log: log}
}

// Compute returns the cached value when fresh, otherwise computes through
// the underlying calculator and repopulates the cache. A timed-out or failed
// computation caches nothing.
func (c *CachedCalculator) Compute(ctx context.Context, kpiType, kpiName string, rng *TimeRange) (float64, error) {
	extras := rangeExtras(rng)

	if env, ok := c.cache.Get(cache.CategoryKPI, kpiType, kpiName, extras); ok {
		var v float64
		if err := json.Unmarshal(env.Data, &v); err == nil {
			return v, nil
		}
		c.log.Warn("kpi: cached value not numeric, recomputing",
			"kpi_type", kpiType, "kpi_name", kpiName)
	}

	computeCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		computeCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	v, err := c.calc.Compute(computeCtx, kpiType, kpiName, rng)
	if err != nil {
		return 0, fmt.Errorf("compute %s/%s: %w", kpiType, kpiName, err)
	}

	// Best effort: a failed cache write must not fail the computation.
	if err := c.cache.Set(cache.CategoryKPI, kpiType, kpiName, extras, v, 0); err != nil {
		c.log.Warn("kpi: cache set failed",
			"kpi_type", kpiType, "kpi_name", kpiName, "error", err)
	}
	return v, nil
}

// rangeExtras converts a time range into cache key extras. Nil means the
// unbounded range, which keys separately from any bounded one.
func rangeExtras(rng *TimeRange) map[string]any {
	if rng == nil {
		return nil
	}
	return map[string]any{
		"start": rng.Start.UTC().Format(time.RFC3339),
		"end":   rng.End.UTC().Format(time.RFC3339),
	}
}
