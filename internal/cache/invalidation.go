// ABOUTME: Cache invalidation service: maps business-table mutations to cache
// ABOUTME: pattern evictions, keeps an in-process event log, and reports
// ABOUTME: efficiency diagnostics combining hit rate with invalidation frequency.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Data mutation operations accepted by NotifyDataChanged.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// eventLogCap bounds the in-process invalidation log; the oldest events are
// dropped once the cap is reached. The log is diagnostics only and does not
// survive restarts.
const eventLogCap = 10_000

// tableRules is the single place encoding which cache patterns a mutation to
// each business table invalidates. Adding a table here is the only change
// needed to wire a new mutation source.
var tableRules = map[string][]string{
	"invoices": {
		"kpi:financial:*",
		"aggregation:sales:*",
		"report:financial:*",
	},
	"payments": {
		"kpi:financial:*",
		"forecast:cash_flow:*",
	},
	"inventory_items": {
		"kpi:inventory:*",
		"aggregation:inventory:*",
		"chart:inventory:*",
	},
	"customers": {
		"kpi:crm:*",
		"aggregation:crm:*",
	},
	"sales_orders": {
		"kpi:sales:*",
		"aggregation:sales:*",
		"forecast:sales:*",
	},
	"accounting_entries": {
		"kpi:financial:*",
		"report:financial:*",
		"report:accounting:*",
	},
}

// InvalidationEvent records one data-change notification and what it evicted.
type InvalidationEvent struct {
	TableName   string    `json:"table_name"`
	Operation   string    `json:"operation"`
	RecordID    string    `json:"record_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Patterns    []string  `json:"patterns_invalidated"`
	KeysEvicted int       `json:"keys_evicted"`
}

// InvalidationStats aggregates the event log.
type InvalidationStats struct {
	TotalEvents      int64            `json:"total_events"`
	TotalKeysEvicted int64            `json:"total_keys_evicted"`
	EventsByTable    map[string]int64 `json:"events_by_table"`
	EventsByOp       map[string]int64 `json:"events_by_operation"`
	EventsLastHour   int64            `json:"events_last_hour"`
}

// EfficiencyReport combines cache accounting with invalidation frequency.
type EfficiencyReport struct {
	CacheStats        Stats             `json:"cache_stats"`
	InvalidationStats InvalidationStats `json:"invalidation_stats"`
	EvictionsPerHit   float64           `json:"evictions_per_hit"`
	Recommendations   []string          `json:"recommendations"`
}

// WarmTarget names a KPI to precompute during cache warming.
type WarmTarget struct {
	KPIType string
	KPIName string
}

// defaultWarmTargets are the high-traffic KPIs refreshed by WarmCriticalCaches.
var defaultWarmTargets = []WarmTarget{
	{KPIType: "financial", KPIName: "revenue"},
	{KPIType: "financial", KPIName: "gross_margin"},
	{KPIType: "sales", KPIName: "order_count"},
	{KPIType: "inventory", KPIName: "stock_value"},
	{KPIType: "crm", KPIName: "active_customers"},
}

// ComputeFunc produces the current value of a KPI; supplied by the KPI
// calculator collaborator.
type ComputeFunc func(ctx context.Context, kpiType, kpiName string) (any, error)

// Invalidator translates data mutations into cache evictions and owns the
// invalidation event log. Instance state only; construct one per process.
type Invalidator struct {
	cache   *AnalyticsCache
	compute ComputeFunc
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	events      []InvalidationEvent
	warmTargets []WarmTarget
}

// NewInvalidator creates an Invalidator over cache. compute may be nil when
// warming is not needed (tests, cache-only deployments).
func NewInvalidator(c *AnalyticsCache, compute ComputeFunc, log *slog.Logger) *Invalidator {
	if log == nil {
		log = slog.Default()
	}
	return &Invalidator{
		cache:       c,
		compute:     compute,
		log:         log,
		now:         time.Now,
		warmTargets: defaultWarmTargets,
	}
}

// NotifyDataChanged is called by the CRUD layer after a successful commit to
// table. The mapped patterns are evicted and an event is appended to the log
// regardless of how many keys matched. Unknown tables log at debug and still
// produce an event with no patterns.
func (inv *Invalidator) NotifyDataChanged(tableName, operation, recordID string) (InvalidationEvent, error) {
	switch operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return InvalidationEvent{}, fmt.Errorf("invalidation: unknown operation %q", operation)
	}

	patterns := tableRules[tableName]
	if patterns == nil {
		inv.log.Debug("invalidation: no cache rules for table", "table", tableName)
	}

	event := InvalidationEvent{
		TableName: tableName,
		Operation: operation,
		RecordID:  recordID,
		Timestamp: inv.now().UTC(),
		Patterns:  patterns,
	}
	for _, p := range patterns {
		event.KeysEvicted += inv.cache.InvalidateByPattern(p)
	}
	inv.appendEvent(event)

	inv.log.Info("cache invalidation",
		"table", tableName,
		"operation", operation,
		"record_id", recordID,
		"patterns", len(patterns),
		"keys_evicted", event.KeysEvicted,
	)
	return event, nil
}

// Stats aggregates the event log.
func (inv *Invalidator) Stats() InvalidationStats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	s := InvalidationStats{
		EventsByTable: make(map[string]int64),
		EventsByOp:    make(map[string]int64),
	}
	hourAgo := inv.now().Add(-time.Hour)
	for i := range inv.events {
		e := &inv.events[i]
		s.TotalEvents++
		s.TotalKeysEvicted += int64(e.KeysEvicted)
		s.EventsByTable[e.TableName]++
		s.EventsByOp[e.Operation]++
		if e.Timestamp.After(hourAgo) {
			s.EventsLastHour++
		}
	}
	return s
}

// AnalyzeEfficiency combines the cache's hit rate with invalidation
// frequency into advisory recommendations. Nothing here changes policy;
// operators act on the text.
func (inv *Invalidator) AnalyzeEfficiency() EfficiencyReport {
	report := EfficiencyReport{
		CacheStats:        inv.cache.Stats(),
		InvalidationStats: inv.Stats(),
	}
	if report.CacheStats.Hits > 0 {
		report.EvictionsPerHit = float64(report.InvalidationStats.TotalKeysEvicted) /
			float64(report.CacheStats.Hits)
	}

	cs, is := report.CacheStats, report.InvalidationStats
	switch {
	case cs.TotalRequests < 100:
		report.Recommendations = append(report.Recommendations,
			"insufficient traffic for a reliable efficiency signal; re-check after more requests")
	case cs.HitRatePct < 50 && is.EventsLastHour > 60:
		report.Recommendations = append(report.Recommendations,
			"low hit rate with frequent invalidation: mapped tables mutate faster than their TTLs assume; consider narrower invalidation patterns or shorter TTLs for the affected categories")
	case cs.HitRatePct < 50:
		report.Recommendations = append(report.Recommendations,
			"low hit rate without heavy invalidation: callers may be varying extra params per request; check key construction at call sites")
	case is.EventsLastHour > 120:
		report.Recommendations = append(report.Recommendations,
			"high invalidation frequency despite a healthy hit rate: consider batching CRUD notifications for bulk mutations")
	}
	if report.EvictionsPerHit > 2 {
		report.Recommendations = append(report.Recommendations,
			"more keys are evicted than served: invalidation patterns are broader than the read working set")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = []string{"cache efficiency within expected bounds"}
	}
	return report
}

// WarmCriticalCaches recomputes and stores the fixed set of high-traffic
// KPIs. Idempotent and safe under concurrent traffic: it takes the same Set
// path a normal cache miss would. Per-target failures are logged and
// skipped; the count of successfully warmed targets is returned.
func (inv *Invalidator) WarmCriticalCaches(ctx context.Context) (int, error) {
	if inv.compute == nil {
		return 0, fmt.Errorf("invalidation: no compute function configured for warming")
	}
	var warmed int
	for _, t := range inv.warmTargets {
		value, err := inv.compute(ctx, t.KPIType, t.KPIName)
		if err != nil {
			inv.log.Warn("cache warm: compute failed",
				"kpi_type", t.KPIType, "kpi_name", t.KPIName, "error", err)
			continue
		}
		if err := inv.cache.Set(CategoryKPI, t.KPIType, t.KPIName, nil, value, 0); err != nil {
			inv.log.Warn("cache warm: set failed",
				"kpi_type", t.KPIType, "kpi_name", t.KPIName, "error", err)
			continue
		}
		warmed++
	}
	return warmed, ctx.Err()
}

// TableRules exposes the mutation mapping for the admin surface.
func TableRules() map[string][]string {
	out := make(map[string][]string, len(tableRules))
	for k, v := range tableRules {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (inv *Invalidator) appendEvent(e InvalidationEvent) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.events) >= eventLogCap {
		inv.events = inv.events[1:]
	}
	inv.events = append(inv.events, e)
}
