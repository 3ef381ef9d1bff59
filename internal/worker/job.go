// ABOUTME: Handler contract for job_queue workers.
package worker

import (
	"context"
	"encoding/json"
)

// Queue names processed by the pool.
const (
	QueueEvaluate     = "alert_evaluate"
	QueueEscalate     = "alert_escalate"
	QueueCacheCleanup = "cache_cleanup"
)

// Handler executes one claimed job. A returned error marks the job failed
// and schedules a retry (or moves it to 'dead' after max_attempts).
type Handler func(ctx context.Context, payload json.RawMessage) error
