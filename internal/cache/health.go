// ABOUTME: Cache health check: sentinel write-read-delete round-trip plus
// ABOUTME: host memory pressure via gopsutil. Status is monotonic in pressure.
package cache

import (
	"bytes"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Health status values, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusCritical  = "critical"
	StatusUnhealthy = "unhealthy"
)

// Memory pressure thresholds (percent used). Higher pressure never improves
// the reported status.
const (
	memWarningPct  = 80.0
	memCriticalPct = 92.0
)

// HealthReport is the result of a cache health probe.
type HealthReport struct {
	Status         string  `json:"status"`
	RoundTripOK    bool    `json:"round_trip_ok"`
	Entries        int     `json:"entries"`
	MemoryUsedPct  float64 `json:"memory_used_pct"`
	HitRatePct     float64 `json:"hit_rate_pct"`
	Detail         string  `json:"detail,omitempty"`
}

// sentinelKey lives outside any category namespace so pattern invalidation
// never races the probe.
const sentinelKey = "__health__:sentinel"

// Health probes the backing store with a synthetic write-read-delete and
// inspects host memory pressure.
func (c *AnalyticsCache) Health() HealthReport {
	report := HealthReport{Status: StatusHealthy}

	if c.store == nil {
		report.Status = StatusUnhealthy
		report.Detail = "backing store unavailable"
		return report
	}

	// Synthetic round-trip.
	sentinel := []byte(`{"probe":true}`)
	c.store.Set(sentinelKey, sentinel)
	got, ok := c.store.Get(sentinelKey)
	c.store.Delete(sentinelKey)
	if !ok || !bytes.Equal(got, sentinel) {
		report.Status = StatusUnhealthy
		report.Detail = "sentinel round-trip failed"
		return report
	}
	report.RoundTripOK = true
	report.Entries = c.store.Len()

	stats := c.Stats()
	report.HitRatePct = stats.HitRatePct

	vm, err := mem.VirtualMemory()
	if err != nil {
		// Memory inspection failing is a diagnostics gap, not an outage.
		report.Status = StatusWarning
		report.Detail = fmt.Sprintf("memory inspection failed: %v", err)
		return report
	}
	report.MemoryUsedPct = vm.UsedPercent

	switch {
	case vm.UsedPercent >= memCriticalPct:
		report.Status = StatusCritical
		report.Detail = "memory pressure critical"
	case vm.UsedPercent >= memWarningPct:
		report.Status = StatusWarning
		report.Detail = "memory pressure elevated"
	}
	return report
}
