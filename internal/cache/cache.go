// ABOUTME: Category-scoped TTL cache for KPI/report computations with explicit
// ABOUTME: invalidation and hit/miss accounting. Freshness is evaluated at read
// ABOUTME: time against an injectable clock, never delegated to the backing store.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Envelope is the stored representation of a cached value.
type Envelope struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   time.Time       `json:"cached_at"`
	TTLSeconds int             `json:"ttl_seconds"`
	CacheType  Category        `json:"cache_type"`
}

// ExpiresAt returns the instant after which the envelope is stale.
func (e *Envelope) ExpiresAt() time.Time {
	return e.CachedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// CategoryStats are the per-category hit/miss counters.
type CategoryStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats is a point-in-time snapshot of cache accounting. Independent of the
// stored entries: resetting stats never evicts, and eviction never resets.
type Stats struct {
	TotalRequests int64                      `json:"total_requests"`
	Hits          int64                      `json:"hits"`
	Misses        int64                      `json:"misses"`
	HitRatePct    float64                    `json:"hit_rate_pct"`
	Entries       int                        `json:"entries"`
	ByCategory    map[Category]CategoryStats `json:"by_category"`
}

// AnalyticsCache memoizes expensive analytics computations per category.
// Construct one per process and inject it; all state is instance state so
// tests get isolated caches.
type AnalyticsCache struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	policy TTLPolicy
	stats  map[Category]*CategoryStats

	hitCounter  *prometheus.CounterVec
	missCounter *prometheus.CounterVec
	evictions   prometheus.Counter
}

// Option configures an AnalyticsCache.
type Option func(*AnalyticsCache)

// WithClock overrides the time source. Tests use this to cross TTL
// boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *AnalyticsCache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *AnalyticsCache) { c.log = log }
}

// WithRegisterer registers the cache's Prometheus collectors. Pass
// prometheus.DefaultRegisterer in production; omit in tests.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *AnalyticsCache) {
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictions)
	}
}

// New creates an AnalyticsCache over store with the given TTL policy.
// A nil store is tolerated: reads miss and writes are dropped with a logged
// warning, keeping the cache a pure performance optimization.
func New(store Store, policy TTLPolicy, opts ...Option) (*AnalyticsCache, error) {
	if policy == nil {
		policy = DefaultTTLPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &AnalyticsCache{
		store:  store,
		log:    slog.Default(),
		now:    time.Now,
		policy: policy.Clone(),
		stats:  make(map[Category]*CategoryStats),
		hitCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizpulse_cache_hits_total",
			Help: "Cache hits by category.",
		}, []string{"category"}),
		missCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizpulse_cache_misses_total",
			Help: "Cache misses by category (including stale reads).",
		}, []string{"category"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bizpulse_cache_evictions_total",
			Help: "Entries evicted by explicit invalidation or cleanup.",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached envelope for the composite key, or (nil, false) on
// a miss. A present-but-stale entry is a logical miss even though the
// backing store still holds it. Every call increments exactly one
// per-category counter.
func (c *AnalyticsCache) Get(category Category, entityType, entityID string, extras map[string]any) (*Envelope, bool) {
	if c.store == nil {
		c.recordMiss(category)
		return nil, false
	}
	key := BuildKey(category, entityType, entityID, extras)
	raw, ok := c.store.Get(key)
	if !ok {
		c.recordMiss(category)
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("cache: corrupt envelope evicted", "key", key, "error", err)
		c.store.Delete(key)
		c.recordMiss(category)
		return nil, false
	}
	if !c.now().Before(env.ExpiresAt()) {
		c.recordMiss(category)
		return nil, false
	}
	c.recordHit(category)
	return &env, true
}

// Set stores payload under the composite key. TTL comes from the policy
// table for the category unless ttlOverride is positive. Stats are not
// touched: only reads count toward hit rate.
func (c *AnalyticsCache) Set(category Category, entityType, entityID string, extras map[string]any, payload any, ttlOverride time.Duration) error {
	if c.store == nil {
		c.log.Warn("cache: set dropped, backing store unavailable",
			"category", category, "entity_type", entityType, "entity_id", entityID)
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal payload: %w", err)
	}
	ttl := c.ttlFor(category)
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	env := Envelope{
		Data:       data,
		CachedAt:   c.now().UTC(),
		TTLSeconds: int(ttl / time.Second),
		CacheType:  category,
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("cache: marshal envelope: %w", err)
	}
	c.store.Set(BuildKey(category, entityType, entityID, extras), raw)
	return nil
}

// InvalidateByPattern evicts all keys matching pattern ("category:*",
// "category:entityType:*", or an exact key) and returns the count evicted.
// Zero matches is not an error.
func (c *AnalyticsCache) InvalidateByPattern(pattern string) int {
	if c.store == nil {
		c.log.Warn("cache: invalidate dropped, backing store unavailable", "pattern", pattern)
		return 0
	}
	prefix, wildcard := prefixForPattern(pattern)
	var n int
	if wildcard {
		n = c.store.DeleteByPrefix(prefix)
	} else if c.store.Delete(prefix) {
		n = 1
	}
	if n > 0 {
		c.evictions.Add(float64(n))
	}
	return n
}

// InvalidateKey evicts a single composite key, reporting whether it existed.
func (c *AnalyticsCache) InvalidateKey(category Category, entityType, entityID string, extras map[string]any) bool {
	if c.store == nil {
		return false
	}
	if c.store.Delete(BuildKey(category, entityType, entityID, extras)) {
		c.evictions.Inc()
		return true
	}
	return false
}

// InvalidateEntity evicts every cached computation for one entity across all
// categories, regardless of extra params. Returns the count evicted. The
// plain key and its extras-hashed subtree are evicted separately so an
// entity id that prefixes another ("42" vs "421") never over-evicts.
func (c *AnalyticsCache) InvalidateEntity(entityType, entityID string) int {
	if c.store == nil {
		return 0
	}
	var n int
	for _, cat := range Categories() {
		base := string(cat) + keySeparator +
			sanitizeSegment(entityType) + keySeparator + sanitizeSegment(entityID)
		if c.store.Delete(base) {
			n++
		}
		n += c.store.DeleteByPrefix(base + keySeparator)
	}
	if n > 0 {
		c.evictions.Add(float64(n))
	}
	return n
}

// Cleanup sweeps entries that are already logically stale out of the
// backing store, bounding memory. Purely an optimization: a stale entry
// left behind is still a miss on read.
func (c *AnalyticsCache) Cleanup() int {
	if c.store == nil {
		return 0
	}
	now := c.now()
	var removed int
	for _, key := range c.store.Keys() {
		raw, ok := c.store.Get(key)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || !now.Before(env.ExpiresAt()) {
			if c.store.Delete(key) {
				removed++
			}
		}
	}
	if removed > 0 {
		c.evictions.Add(float64(removed))
	}
	return removed
}

// Stats returns a snapshot of accounting counters plus the live entry count.
func (c *AnalyticsCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{ByCategory: make(map[Category]CategoryStats, len(c.stats))}
	for cat, cs := range c.stats {
		s.ByCategory[cat] = *cs
		s.Hits += cs.Hits
		s.Misses += cs.Misses
	}
	s.TotalRequests = s.Hits + s.Misses
	if s.TotalRequests > 0 {
		s.HitRatePct = 100 * float64(s.Hits) / float64(s.TotalRequests)
	}
	if c.store != nil {
		s.Entries = c.store.Len()
	}
	return s
}

// ResetStats zeroes the hit/miss counters without touching stored entries.
func (c *AnalyticsCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = make(map[Category]*CategoryStats)
}

// Keys lists live keys for the debug endpoint.
func (c *AnalyticsCache) Keys() []string {
	if c.store == nil {
		return nil
	}
	return c.store.Keys()
}

// TTLPolicy returns a copy of the live TTL table.
func (c *AnalyticsCache) TTLPolicy() TTLPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Clone()
}

// SetTTLPolicy replaces the live TTL table after validating the ordering
// contract. Existing entries keep the TTL they were written with.
func (c *AnalyticsCache) SetTTLPolicy(p TTLPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p.Clone()
	return nil
}

func (c *AnalyticsCache) ttlFor(category Category) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.TTLFor(category)
}

func (c *AnalyticsCache) recordHit(category Category) {
	c.mu.Lock()
	c.categoryStats(category).Hits++
	c.mu.Unlock()
	c.hitCounter.WithLabelValues(string(category)).Inc()
}

func (c *AnalyticsCache) recordMiss(category Category) {
	c.mu.Lock()
	c.categoryStats(category).Misses++
	c.mu.Unlock()
	c.missCounter.WithLabelValues(string(category)).Inc()
}

// categoryStats returns the mutable counter struct for category. Caller
// holds mu.
func (c *AnalyticsCache) categoryStats(category Category) *CategoryStats {
	cs, ok := c.stats[category]
	if !ok {
		cs = &CategoryStats{}
		c.stats[category] = cs
	}
	return cs
}
