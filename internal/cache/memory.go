// ABOUTME: Backing-store interface for the analytics cache plus the in-memory
// ABOUTME: implementation: go-cache KV storage with a tag index so prefix
// ABOUTME: invalidation is a set lookup, not a keyspace scan.
package cache

import (
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the raw key-value backing store behind the analytics cache.
// Implementations never interpret values; freshness is decided by the cache
// at read time, so stores must not expire entries on their own.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string) bool
	// DeleteByPrefix removes every key with the given prefix and returns the
	// count removed. An empty prefix removes everything.
	DeleteByPrefix(prefix string) int
	Keys() []string
	Len() int
	Flush()
}

// MemoryStore is the in-process Store implementation. Values live in a
// go-cache instance with expiration disabled; a tag index maps the first one
// and two key segments ("category" and "category:entityType") to the set of
// live keys carrying them, which serves the two supported wildcard pattern
// shapes without scanning.
type MemoryStore struct {
	mu   sync.Mutex
	kv   *gocache.Cache
	tags map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   gocache.New(gocache.NoExpiration, 0),
		tags: make(map[string]map[string]struct{}),
	}
}

// Get returns the stored value for key.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	v, ok := m.kv.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set stores value under key and indexes the key's tags.
func (m *MemoryStore) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Set(key, value, gocache.NoExpiration)
	for _, tag := range tagsForKey(key) {
		set, ok := m.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			m.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Delete removes key, reporting whether it was present.
func (m *MemoryStore) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, present := m.kv.Get(key)
	m.kv.Delete(key)
	m.untag(key)
	return present
}

// DeleteByPrefix removes every key with the given prefix. Prefixes aligned
// on a tag boundary ("category:" or "category:entityType:") resolve through
// the tag index; anything else falls back to a scan.
func (m *MemoryStore) DeleteByPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix == "" {
		n := m.kv.ItemCount()
		m.kv.Flush()
		m.tags = make(map[string]map[string]struct{})
		return n
	}

	var victims []string
	if tag, ok := tagForPrefix(prefix); ok {
		for key := range m.tags[tag] {
			victims = append(victims, key)
		}
	} else {
		for key := range m.kv.Items() {
			if strings.HasPrefix(key, prefix) {
				victims = append(victims, key)
			}
		}
	}

	for _, key := range victims {
		m.kv.Delete(key)
		m.untag(key)
	}
	return len(victims)
}

// Keys returns all live keys. Debug/administrative use only.
func (m *MemoryStore) Keys() []string {
	items := m.kv.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int { return m.kv.ItemCount() }

// Flush removes all entries.
func (m *MemoryStore) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Flush()
	m.tags = make(map[string]map[string]struct{})
}

// untag removes key from every tag set it belongs to. Caller holds mu.
func (m *MemoryStore) untag(key string) {
	for _, tag := range tagsForKey(key) {
		if set, ok := m.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tags, tag)
			}
		}
	}
}

// tagsForKey derives the index tags from a composite key: the category
// segment and the category:entityType pair.
func tagsForKey(key string) []string {
	parts := strings.SplitN(key, keySeparator, 3)
	tags := make([]string, 0, 2)
	if len(parts) >= 1 {
		tags = append(tags, parts[0])
	}
	if len(parts) >= 2 {
		tags = append(tags, parts[0]+keySeparator+parts[1])
	}
	return tags
}

// tagForPrefix maps a delete prefix to an index tag when the prefix ends at
// a segment boundary with at most two segments.
func tagForPrefix(prefix string) (string, bool) {
	trimmed, hadSep := strings.CutSuffix(prefix, keySeparator)
	if !hadSep {
		return "", false
	}
	switch strings.Count(trimmed, keySeparator) {
	case 0, 1:
		return trimmed, true
	default:
		return "", false
	}
}
