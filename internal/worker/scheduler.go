// ABOUTME: Scheduler that ticks the periodic queues: evaluation, escalation,
// ABOUTME: and cache cleanup. lock_key dedupe collapses overlapping instances.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcroft/bizpulse/internal/store"
)

// Scheduler enqueues periodic jobs on fixed intervals. Multiple scheduler
// instances are safe: each job carries a lock_key, so an enqueue while the
// previous tick's job is still pending or running is a no-op.
type Scheduler struct {
	store              *store.Store
	evaluationInterval time.Duration
	escalationInterval time.Duration
	cleanupInterval    time.Duration
	log                *slog.Logger
}

// NewScheduler creates a Scheduler. Zero intervals disable the corresponding
// tick loop.
func NewScheduler(s *store.Store, evaluation, escalation, cleanup time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:              s,
		evaluationInterval: evaluation,
		escalationInterval: escalation,
		cleanupInterval:    cleanup,
		log:                log,
	}
}

// Start runs the tick loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		queue    string
		interval time.Duration
	}{
		{QueueEvaluate, s.evaluationInterval},
		{QueueEscalate, s.escalationInterval},
		{QueueCacheCleanup, s.cleanupInterval},
	}
	for _, l := range loops {
		if l.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(queue string, interval time.Duration) {
			defer wg.Done()
			s.runLoop(ctx, queue, interval)
		}(l.queue, l.interval)
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
}

// runLoop enqueues one job per tick. The lock_key equals the queue name, so
// at most one instance of each periodic job is pending or running at a time.
func (s *Scheduler) runLoop(ctx context.Context, queue string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler loop started", "queue", queue, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopping", "queue", queue)
			return
		case <-ticker.C:
			lockKey := queue
			id, err := s.store.EnqueueJob(ctx, queue, nil, &lockKey, 3, nil)
			if err != nil {
				s.log.Error("enqueue periodic job", "queue", queue, "error", err)
				continue
			}
			if id == uuid.Nil {
				s.log.Debug("periodic job still in flight, tick skipped", "queue", queue)
			}
		}
	}
}
