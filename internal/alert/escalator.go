// ABOUTME: Escalation processor: claims overdue unacknowledged alerts and
// ABOUTME: notifies the rule's escalation recipients exactly once per alert.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcroft/bizpulse/internal/notify"
	"github.com/jcroft/bizpulse/internal/store"
)

const escalationPageSize = 500

// EscalatedAlert identifies one alert escalated during a pass.
type EscalatedAlert struct {
	AlertID     string    `json:"alert_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Severity    string    `json:"severity"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// EscalationResult summarizes one escalation pass.
type EscalationResult struct {
	Candidates int              `json:"candidates"`
	Escalated  int              `json:"escalated"`
	Errors     int              `json:"errors"`
	Alerts     []EscalatedAlert `json:"escalated_alerts"`
}

// Escalator walks unacknowledged alerts whose rule defines an escalation
// window and notifies the escalation recipients once the window elapses. The
// escalated_at claim in the store is what guarantees at-most-once: dispatch
// failure is logged but the marker stays set, so a flaky channel produces a
// missed escalation, never a duplicate.
type Escalator struct {
	alerts     store.AlertHistoryStore
	dispatcher notify.Dispatcher
	now        func() time.Time
	log        *slog.Logger
}

// NewEscalator creates an Escalator. now overrides the clock for tests; nil
// uses time.Now.
func NewEscalator(alerts store.AlertHistoryStore, dispatcher notify.Dispatcher, now func() time.Time, log *slog.Logger) *Escalator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Escalator{alerts: alerts, dispatcher: dispatcher, now: now, log: log}
}

// ProcessEscalations runs one escalation pass. Per-alert failures are logged
// and counted; only a failure to list candidates returns an error.
func (e *Escalator) ProcessEscalations(ctx context.Context) (*EscalationResult, error) {
	candidates, err := e.alerts.ListEscalationCandidates(ctx, escalationPageSize)
	if err != nil {
		return nil, fmt.Errorf("list escalation candidates: %w", err)
	}

	res := &EscalationResult{Candidates: len(candidates)}
	now := e.now()
	for _, c := range candidates {
		due := c.Alert.TriggeredAt.Add(time.Duration(c.EscalationTimeMinutes) * time.Minute)
		if now.Before(due) {
			continue
		}

		claimed, err := e.alerts.ClaimEscalation(ctx, c.Alert.ID)
		if err != nil {
			res.Errors++
			e.log.Error("claim escalation", "alert_id", c.Alert.ID, "err", err)
			continue
		}
		if !claimed {
			// Lost the claim to a concurrent pass, or acknowledged since listing.
			continue
		}

		res.Escalated++
		res.Alerts = append(res.Alerts, EscalatedAlert{
			AlertID:     c.Alert.ID.String(),
			RuleID:      c.Alert.RuleID.String(),
			RuleName:    c.Alert.RuleName,
			Severity:    c.Alert.AlertLevel,
			TriggeredAt: c.Alert.TriggeredAt,
		})
		e.log.Info("alert escalated",
			"alert_id", c.Alert.ID, "rule_name", c.Alert.RuleName,
			"overdue", now.Sub(due).Round(time.Second))
		e.notifyEscalation(ctx, &c)
	}
	return res, nil
}

// notifyEscalation delivers the escalation email to the rule's escalation
// recipients. Best effort: the claim is already recorded.
func (e *Escalator) notifyEscalation(ctx context.Context, c *store.EscalationCandidate) {
	if e.dispatcher == nil || len(c.EscalationRecipients) == 0 {
		return
	}
	payload := notify.AlertPayload{
		AlertID:        c.Alert.ID.String(),
		RuleID:         c.Alert.RuleID.String(),
		RuleName:       c.Alert.RuleName,
		Severity:       c.Alert.AlertLevel,
		Message:        c.Alert.Message,
		TriggeredValue: c.Alert.TriggeredValue,
		TriggeredAt:    c.Alert.TriggeredAt,
		Escalation:     true,
	}
	result := e.dispatcher.Send(ctx, notify.ChannelConfig{
		Type:       notify.ChannelEmail,
		Recipients: c.EscalationRecipients,
	}, payload)
	if !result.Success {
		e.log.Warn("escalation delivery failed",
			"alert_id", c.Alert.ID, "err", result.Error)
	}
}
