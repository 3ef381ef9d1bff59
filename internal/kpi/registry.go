// ABOUTME: Registry-backed Calculator: the integration point where the
// ABOUTME: deployment plugs in its business metric computations.
package kpi

import (
	"context"
	"fmt"
	"sync"
)

// Registry dispatches Compute calls to registered metric functions. It is the
// seam between this subsystem and the business-domain calculation code:
// deployments register one function per (type, name) pair at startup.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]CalculatorFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]CalculatorFunc)}
}

// Register binds fn to the (kpiType, kpiName) pair, replacing any previous
// binding.
func (r *Registry) Register(kpiType, kpiName string, fn CalculatorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[registryKey(kpiType, kpiName)] = fn
}

// Compute dispatches to the registered function, or returns ErrUnknownKPI.
func (r *Registry) Compute(ctx context.Context, kpiType, kpiName string, rng *TimeRange) (float64, error) {
	r.mu.RLock()
	fn, ok := r.funcs[registryKey(kpiType, kpiName)]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownKPI, kpiType, kpiName)
	}
	return fn(ctx, kpiType, kpiName, rng)
}

// Known reports whether a function is registered for the pair.
func (r *Registry) Known(kpiType, kpiName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[registryKey(kpiType, kpiName)]
	return ok
}

func registryKey(kpiType, kpiName string) string {
	return kpiType + "/" + kpiName
}
