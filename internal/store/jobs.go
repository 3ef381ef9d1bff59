// ABOUTME: Job queue store: SKIP LOCKED claims, completion, failure with backoff,
// ABOUTME: and lock_key-deduplicated enqueue for periodic scheduler ticks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a claimed job ready for execution by the worker pool.
type Job struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Attempts int32
}

// ClaimJob atomically claims one pending job from the named queue for the
// given workerID using FOR UPDATE SKIP LOCKED. Returns (nil, nil) when no
// job is currently available.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE job_queue
		SET status = 'running', locked_by = $2, locked_at = now(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM job_queue
			WHERE queue = $1 AND status = 'pending' AND run_after <= now()
			ORDER BY run_after
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, attempts`, queue, workerID)

	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as succeeded.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'succeeded', finished_at = now(), lock_key = NULL
		WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job as failed, rescheduling with linear backoff while
// attempts remain, or moving it to 'dead' once max_attempts is exhausted.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status      = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		    run_after   = now() + make_interval(secs => attempts * 30),
		    last_error  = $2,
		    locked_by   = NULL,
		    locked_at   = NULL,
		    finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END
		WHERE id = $1`, id, errMsg,
	); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// RecoverStaleJobs resets jobs stuck in 'running' state longer than staleAfter
// back to 'pending'. Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'pending', locked_by = NULL, locked_at = NULL
		WHERE status = 'running'
		  AND locked_at < now() - make_interval(secs => $1)`,
		int64(staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck
	return int(n), nil
}

// EnqueueJob inserts a new job into the named queue and returns its ID.
// A non-nil lockKey dedupes against any pending/running job with the same
// key: the insert becomes a no-op and uuid.Nil is returned. runAfter
// defaults to now() when nil.
func (s *Store) EnqueueJob(
	ctx context.Context,
	queue string,
	payload json.RawMessage,
	lockKey *string,
	maxAttempts int32,
	runAfter *time.Time,
) (uuid.UUID, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ra := time.Now().UTC()
	if runAfter != nil {
		ra = *runAfter
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO job_queue (queue, payload, lock_key, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lock_key) WHERE lock_key IS NOT NULL AND status IN ('pending', 'running')
		DO NOTHING
		RETURNING id`, queue, []byte(payload), lockKey, maxAttempts, ra)

	var id uuid.UUID
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil // deduped by lock_key
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}
