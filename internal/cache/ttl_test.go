// ABOUTME: Tests for TTL policy validation and category parsing.
package cache

import (
	"testing"
	"time"
)

func TestTTLPolicy_ValidateOrdering(t *testing.T) {
	if err := DefaultTTLPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	p := DefaultTTLPolicy()
	p[CategoryChart] = p[CategoryKPI] // equal TTLs violate strict ordering
	if err := p.Validate(); err == nil {
		t.Fatal("equal adjacent TTLs accepted")
	}

	p = DefaultTTLPolicy()
	delete(p, CategoryReport)
	if err := p.Validate(); err == nil {
		t.Fatal("policy missing a category accepted")
	}

	p = DefaultTTLPolicy()
	p[CategoryRawQuery] = 0
	if err := p.Validate(); err == nil {
		t.Fatal("non-positive TTL accepted")
	}
}

func TestTTLPolicy_TTLFor(t *testing.T) {
	p := DefaultTTLPolicy()
	if got := p.TTLFor(CategoryForecast); got != 3600*time.Second {
		t.Fatalf("forecast ttl %v, want 1h", got)
	}
}

func TestParseCategory(t *testing.T) {
	if _, err := ParseCategory("kpi"); err != nil {
		t.Fatalf("ParseCategory(kpi): %v", err)
	}
	if _, err := ParseCategory("bogus"); err == nil {
		t.Fatal("unknown category accepted")
	}
}
