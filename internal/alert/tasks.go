// ABOUTME: Periodic task wrappers around the evaluator and escalator.
// ABOUTME: Always return a structured TaskResult, never panic to the caller.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcroft/bizpulse/internal/kpi"
)

// Task statuses reported by the periodic wrappers.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskResult is the structured outcome of one periodic task run. An
// infrastructure failure yields Status "failed" with Error set; the wrappers
// never let a panic or error propagate to the scheduler.
type TaskResult struct {
	Status      string     `json:"status"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Evaluated   int        `json:"evaluated,omitempty"`
	Triggered   int        `json:"triggered,omitempty"`
	Escalated   int        `json:"escalated,omitempty"`
	Errors      int        `json:"errors,omitempty"`
	Error       string     `json:"error,omitempty"`

	TriggeredAlerts []TriggeredAlert `json:"triggered_alerts,omitempty"`
	EscalatedAlerts []EscalatedAlert `json:"escalated_alerts,omitempty"`
}

// Tasks bundles the evaluator and escalator for the worker and scheduler.
type Tasks struct {
	evaluator *Evaluator
	escalator *Escalator
	log       *slog.Logger
}

// NewTasks creates the periodic task bundle.
func NewTasks(evaluator *Evaluator, escalator *Escalator, log *slog.Logger) *Tasks {
	if log == nil {
		log = slog.Default()
	}
	return &Tasks{evaluator: evaluator, escalator: escalator, log: log}
}

// RunEvaluation runs one evaluation pass over the active rule set.
func (t *Tasks) RunEvaluation(ctx context.Context) (result TaskResult) {
	defer t.catch("evaluation", &result)

	res, err := t.evaluator.EvaluateKPIAlerts(ctx, nil)
	now := time.Now().UTC()
	if err != nil {
		t.log.Error("evaluation task failed", "err", err)
		return TaskResult{Status: TaskFailed, EvaluatedAt: &now, Error: err.Error()}
	}
	return TaskResult{
		Status:          TaskCompleted,
		EvaluatedAt:     &now,
		Evaluated:       res.Evaluated,
		Triggered:       res.Triggered,
		Errors:          res.Errors,
		TriggeredAlerts: res.Alerts,
	}
}

// RunEscalations runs one escalation pass.
func (t *Tasks) RunEscalations(ctx context.Context) (result TaskResult) {
	defer t.catch("escalation", &result)

	res, err := t.escalator.ProcessEscalations(ctx)
	now := time.Now().UTC()
	if err != nil {
		t.log.Error("escalation task failed", "err", err)
		return TaskResult{Status: TaskFailed, ProcessedAt: &now, Error: err.Error()}
	}
	return TaskResult{
		Status:          TaskCompleted,
		ProcessedAt:     &now,
		Evaluated:       res.Candidates,
		Escalated:       res.Escalated,
		Errors:          res.Errors,
		EscalatedAlerts: res.Alerts,
	}
}

// catch converts a panic into a failed TaskResult, stamping the timestamp
// field that matches the task.
func (t *Tasks) catch(task string, result *TaskResult) {
	if p := recover(); p != nil {
		now := time.Now().UTC()
		t.log.Error("task panicked", "task", task, "panic", p)
		*result = TaskResult{
			Status: TaskFailed,
			Error:  fmt.Sprintf("%s panicked: %v", task, p),
		}
		if task == "escalation" {
			result.ProcessedAt = &now
		} else {
			result.EvaluatedAt = &now
		}
	}
}

// EvaluateNow runs an on-demand evaluation pass for the API's evaluate
// endpoint, optionally bounded to a time range.
func (t *Tasks) EvaluateNow(ctx context.Context, rng *kpi.TimeRange) (*Result, error) {
	return t.evaluator.EvaluateKPIAlerts(ctx, rng)
}
