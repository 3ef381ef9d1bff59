// ABOUTME: Cache administration endpoints: stats, health, invalidation,
// ABOUTME: warming, TTL policy, debug key listing, and CRUD change events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jcroft/bizpulse/internal/cache"
)

// registerCacheRoutes wires up the cache admin endpoints on the huma API.
func registerCacheRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "cache-stats",
		Method:      http.MethodGet,
		Path:        "/cache/stats",
		Summary:     "Cache hit/miss statistics",
		Tags:        []string{"Cache"},
	}, srv.cacheStatsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-stats-reset",
		Method:      http.MethodPost,
		Path:        "/cache/stats/reset",
		Summary:     "Reset cache statistics",
		Description: "Zeroes the counters without evicting any entries.",
		Tags:        []string{"Cache"},
	}, srv.cacheStatsResetHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-health",
		Method:      http.MethodGet,
		Path:        "/cache/health",
		Summary:     "Cache health probe",
		Tags:        []string{"Cache"},
	}, srv.cacheHealthHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-invalidate",
		Method:      http.MethodPost,
		Path:        "/cache/invalidate",
		Summary:     "Invalidate cache entries by pattern",
		Tags:        []string{"Cache"},
	}, srv.cacheInvalidateHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-invalidate-entity",
		Method:      http.MethodPost,
		Path:        "/cache/invalidate-entity",
		Summary:     "Invalidate all cached computations for one entity",
		Tags:        []string{"Cache"},
	}, srv.cacheInvalidateEntityHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-warm",
		Method:      http.MethodPost,
		Path:        "/cache/warm",
		Summary:     "Precompute high-traffic KPIs",
		Tags:        []string{"Cache"},
	}, srv.cacheWarmHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-cleanup",
		Method:      http.MethodPost,
		Path:        "/cache/cleanup",
		Summary:     "Sweep logically stale entries",
		Tags:        []string{"Cache"},
	}, srv.cacheCleanupHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-ttl-config-get",
		Method:      http.MethodGet,
		Path:        "/cache/ttl-config",
		Summary:     "Current TTL policy",
		Tags:        []string{"Cache"},
	}, srv.cacheTTLConfigGetHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-ttl-config-put",
		Method:      http.MethodPut,
		Path:        "/cache/ttl-config",
		Summary:     "Replace the TTL policy",
		Description: "Rejected unless the category volatility ordering is preserved.",
		Tags:        []string{"Cache"},
	}, srv.cacheTTLConfigPutHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-keys",
		Method:      http.MethodGet,
		Path:        "/cache/keys",
		Summary:     "List live cache keys (debug)",
		Tags:        []string{"Cache"},
	}, srv.cacheKeysHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-invalidation-stats",
		Method:      http.MethodGet,
		Path:        "/cache/invalidation-stats",
		Summary:     "Invalidation event log aggregates",
		Tags:        []string{"Cache"},
	}, srv.cacheInvalidationStatsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cache-efficiency",
		Method:      http.MethodGet,
		Path:        "/cache/efficiency",
		Summary:     "Cache efficiency analysis",
		Tags:        []string{"Cache"},
	}, srv.cacheEfficiencyHandler)

	huma.Register(api, huma.Operation{
		OperationID: "data-changed",
		Method:      http.MethodPost,
		Path:        "/events/data-changed",
		Summary:     "Notify the cache of a committed data mutation",
		Tags:        []string{"Cache"},
	}, srv.dataChangedHandler)
}

// ── Stats ─────────────────────────────────────────────────────────────────────

type CacheStatsOutput struct {
	Body cache.Stats
}

func (srv *Server) cacheStatsHandler(ctx context.Context, _ *struct{}) (*CacheStatsOutput, error) {
	return &CacheStatsOutput{Body: srv.cache.Stats()}, nil
}

type CacheStatsResetOutput struct {
	Body struct {
		Reset   bool `json:"reset"`
		Entries int  `json:"entries"`
	}
}

func (srv *Server) cacheStatsResetHandler(ctx context.Context, _ *struct{}) (*CacheStatsResetOutput, error) {
	srv.cache.ResetStats()
	out := &CacheStatsResetOutput{}
	out.Body.Reset = true
	out.Body.Entries = srv.cache.Stats().Entries
	return out, nil
}

// ── Health ────────────────────────────────────────────────────────────────────

type CacheHealthOutput struct {
	Status int
	Body   cache.HealthReport
}

func (srv *Server) cacheHealthHandler(ctx context.Context, _ *struct{}) (*CacheHealthOutput, error) {
	report := srv.cache.Health()
	status := http.StatusOK
	if report.Status == cache.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return &CacheHealthOutput{Status: status, Body: report}, nil
}

// ── Invalidation ──────────────────────────────────────────────────────────────

type CacheInvalidateInput struct {
	Body struct {
		Pattern string `json:"pattern" minLength:"1" doc:"category:*, category:entity_type:*, *, or an exact key"`
	}
}

type CacheInvalidateOutput struct {
	Body struct {
		Pattern     string `json:"pattern,omitempty"`
		KeysEvicted int    `json:"keys_evicted"`
	}
}

func (srv *Server) cacheInvalidateHandler(ctx context.Context, input *CacheInvalidateInput) (*CacheInvalidateOutput, error) {
	out := &CacheInvalidateOutput{}
	out.Body.Pattern = input.Body.Pattern
	out.Body.KeysEvicted = srv.cache.InvalidateByPattern(input.Body.Pattern)
	return out, nil
}

type CacheInvalidateEntityInput struct {
	Body struct {
		EntityType string `json:"entity_type" minLength:"1"`
		EntityID   string `json:"entity_id" minLength:"1"`
	}
}

func (srv *Server) cacheInvalidateEntityHandler(ctx context.Context, input *CacheInvalidateEntityInput) (*CacheInvalidateOutput, error) {
	out := &CacheInvalidateOutput{}
	out.Body.KeysEvicted = srv.cache.InvalidateEntity(input.Body.EntityType, input.Body.EntityID)
	return out, nil
}

// ── Warming / cleanup ─────────────────────────────────────────────────────────

type CacheWarmOutput struct {
	Body struct {
		Warmed int `json:"warmed"`
	}
}

func (srv *Server) cacheWarmHandler(ctx context.Context, _ *struct{}) (*CacheWarmOutput, error) {
	warmed, err := srv.invalidator.WarmCriticalCaches(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm caches: %w", err)
	}
	out := &CacheWarmOutput{}
	out.Body.Warmed = warmed
	return out, nil
}

type CacheCleanupOutput struct {
	Body struct {
		Removed int `json:"removed"`
	}
}

func (srv *Server) cacheCleanupHandler(ctx context.Context, _ *struct{}) (*CacheCleanupOutput, error) {
	out := &CacheCleanupOutput{}
	out.Body.Removed = srv.cache.Cleanup()
	return out, nil
}

// ── TTL policy ────────────────────────────────────────────────────────────────

type TTLConfigOutput struct {
	Body struct {
		TTLSeconds map[cache.Category]int `json:"ttl_seconds"`
	}
}

func (srv *Server) cacheTTLConfigGetHandler(ctx context.Context, _ *struct{}) (*TTLConfigOutput, error) {
	out := &TTLConfigOutput{}
	out.Body.TTLSeconds = srv.cache.TTLPolicy()
	return out, nil
}

type TTLConfigPutInput struct {
	Body struct {
		TTLSeconds map[cache.Category]int `json:"ttl_seconds"`
	}
}

func (srv *Server) cacheTTLConfigPutHandler(ctx context.Context, input *TTLConfigPutInput) (*TTLConfigOutput, error) {
	policy := cache.TTLPolicy(input.Body.TTLSeconds)
	if err := srv.cache.SetTTLPolicy(policy); err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid ttl policy", err)
	}
	out := &TTLConfigOutput{}
	out.Body.TTLSeconds = srv.cache.TTLPolicy()
	return out, nil
}

// ── Debug / diagnostics ───────────────────────────────────────────────────────

type CacheKeysOutput struct {
	Body struct {
		Count int      `json:"count"`
		Keys  []string `json:"keys"`
	}
}

func (srv *Server) cacheKeysHandler(ctx context.Context, _ *struct{}) (*CacheKeysOutput, error) {
	keys := srv.cache.Keys()
	sort.Strings(keys)
	out := &CacheKeysOutput{}
	out.Body.Count = len(keys)
	out.Body.Keys = keys
	return out, nil
}

type InvalidationStatsOutput struct {
	Body struct {
		Stats      cache.InvalidationStats `json:"stats"`
		TableRules map[string][]string     `json:"table_rules"`
	}
}

func (srv *Server) cacheInvalidationStatsHandler(ctx context.Context, _ *struct{}) (*InvalidationStatsOutput, error) {
	out := &InvalidationStatsOutput{}
	out.Body.Stats = srv.invalidator.Stats()
	out.Body.TableRules = cache.TableRules()
	return out, nil
}

type EfficiencyOutput struct {
	Body cache.EfficiencyReport
}

func (srv *Server) cacheEfficiencyHandler(ctx context.Context, _ *struct{}) (*EfficiencyOutput, error) {
	return &EfficiencyOutput{Body: srv.invalidator.AnalyzeEfficiency()}, nil
}

// ── POST /events/data-changed ─────────────────────────────────────────────────

type DataChangedInput struct {
	Body struct {
		TableName string `json:"table_name" minLength:"1"`
		Operation string `json:"operation" enum:"INSERT,UPDATE,DELETE"`
		RecordID  string `json:"record_id,omitempty"`
	}
}

type DataChangedOutput struct {
	Body cache.InvalidationEvent
}

func (srv *Server) dataChangedHandler(ctx context.Context, input *DataChangedInput) (*DataChangedOutput, error) {
	event, err := srv.invalidator.NotifyDataChanged(
		input.Body.TableName, input.Body.Operation, input.Body.RecordID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid data change event", err)
	}
	return &DataChangedOutput{Body: event}, nil
}
