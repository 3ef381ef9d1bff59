// ABOUTME: Alert evaluator for KPI threshold rules: computes metric values
// ABOUTME: through the cached calculator and records triggered alerts.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcroft/bizpulse/internal/kpi"
	"github.com/jcroft/bizpulse/internal/notify"
	"github.com/jcroft/bizpulse/internal/store"
)

// Threshold directions accepted in rule conditions. Comparison is strict:
// a value exactly equal to the threshold never triggers.
const (
	ThresholdAbove = "above"
	ThresholdBelow = "below"
)

// Conditions is the parsed form of a kpi_threshold rule's conditions JSON.
type Conditions struct {
	KPIType        string  `json:"kpi_type"`
	KPIName        string  `json:"kpi_name"`
	ThresholdType  string  `json:"threshold_type"`
	ThresholdValue float64 `json:"threshold_value"`
}

// TriggeredAlert identifies one alert recorded during an evaluation pass, so
// callers can broadcast or display what fired without re-querying history.
type TriggeredAlert struct {
	AlertID        string    `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Severity       string    `json:"severity"`
	TriggeredValue float64   `json:"triggered_value"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// Result summarizes one evaluation pass over the active rule set.
type Result struct {
	Evaluated int              `json:"evaluated"`
	Triggered int              `json:"triggered"`
	Skipped   int              `json:"skipped"`
	Errors    int              `json:"errors"`
	Alerts    []TriggeredAlert `json:"triggered_alerts"`
}

// ruleStore is the slice of the store the evaluator needs.
type ruleStore interface {
	store.AlertRuleStore
	store.AlertHistoryStore
}

// Evaluator runs active kpi_threshold rules against current metric values.
// Cooldown suppression happens inside the store's TriggerAlert, under a
// per-rule advisory lock, so concurrent scheduled and manual passes cannot
// double-trigger.
type Evaluator struct {
	rules      ruleStore
	calc       kpi.Calculator
	dispatcher notify.Dispatcher
	log        *slog.Logger
}

// NewEvaluator creates an Evaluator. calc should be the cache-fronted
// calculator; dispatcher may be nil to disable delivery (dry evaluation).
func NewEvaluator(rules ruleStore, calc kpi.Calculator, dispatcher notify.Dispatcher, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{rules: rules, calc: calc, dispatcher: dispatcher, log: log}
}

// EvaluateKPIAlerts evaluates all active rules once. Per-rule failures are
// logged and counted; they never abort the pass. Only a failure to list the
// active rules at all returns an error.
func (e *Evaluator) EvaluateKPIAlerts(ctx context.Context, rng *kpi.TimeRange) (*Result, error) {
	rules, err := e.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	res := &Result{}
	for i := range rules {
		rule := &rules[i]
		if rule.RuleType != "kpi_threshold" {
			res.Skipped++
			continue
		}
		res.Evaluated++

		row, evalErr := e.evaluateRule(ctx, rule, rng)
		if evalErr != nil {
			res.Errors++
			e.log.Error("evaluate rule", "rule_id", rule.ID, "rule_name", rule.RuleName, "err", evalErr)
			continue
		}
		if row != nil {
			res.Triggered++
			res.Alerts = append(res.Alerts, TriggeredAlert{
				AlertID:        row.ID.String(),
				RuleID:         row.RuleID.String(),
				RuleName:       row.RuleName,
				Severity:       row.AlertLevel,
				TriggeredValue: row.TriggeredValue,
				TriggeredAt:    row.TriggeredAt,
			})
		}
	}
	return res, nil
}

// evaluateRule computes the rule's metric, applies the strict threshold
// comparison, and on breach records the alert (cooldown permitting) and
// dispatches notifications. Returns the new history row, or nil when nothing
// was recorded.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *store.AlertRuleRow, rng *kpi.TimeRange) (*store.AlertHistoryRow, error) {
	cond, err := ParseConditions(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}

	value, err := e.calc.Compute(ctx, cond.KPIType, cond.KPIName, rng)
	if err != nil {
		return nil, fmt.Errorf("compute %s/%s: %w", cond.KPIType, cond.KPIName, err)
	}

	if !breached(value, cond) {
		return nil, nil
	}

	msg := fmt.Sprintf("%s is %.2f, %s threshold %.2f",
		cond.KPIName, value, cond.ThresholdType, cond.ThresholdValue)
	entityType := cond.KPIType

	row, inserted, err := e.rules.TriggerAlert(ctx, store.TriggerAlertParams{
		RuleID:          rule.ID,
		RuleName:        rule.RuleName,
		AlertLevel:      rule.Severity,
		Message:         msg,
		TriggeredValue:  value,
		EntityType:      &entityType,
		CooldownMinutes: rule.CooldownMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger alert: %w", err)
	}
	if !inserted {
		// Still inside the cooldown window from an earlier trigger.
		return nil, nil
	}

	e.log.Info("alert triggered",
		"rule_id", rule.ID, "rule_name", rule.RuleName,
		"severity", rule.Severity, "value", value)

	e.dispatch(ctx, rule, cond, row)
	return row, nil
}

// dispatch delivers the new alert to the rule's configured channels. Delivery
// is best effort: notification_sent is recorded only when at least one
// channel succeeded, and failures never surface to the evaluation pass.
func (e *Evaluator) dispatch(ctx context.Context, rule *store.AlertRuleRow, cond *Conditions, row *store.AlertHistoryRow) {
	if e.dispatcher == nil {
		return
	}
	channels, err := parseChannels(rule.NotificationChannels)
	if err != nil {
		e.log.Error("parse notification channels", "rule_id", rule.ID, "err", err)
		return
	}
	if len(channels) == 0 {
		return
	}

	payload := notify.AlertPayload{
		AlertID:        row.ID.String(),
		RuleID:         rule.ID.String(),
		RuleName:       rule.RuleName,
		Severity:       rule.Severity,
		Message:        row.Message,
		TriggeredValue: row.TriggeredValue,
		KPIType:        cond.KPIType,
		KPIName:        cond.KPIName,
		ThresholdType:  cond.ThresholdType,
		ThresholdValue: cond.ThresholdValue,
		TriggeredAt:    row.TriggeredAt,
	}

	anySent := false
	for _, ch := range channels {
		result := e.dispatcher.Send(ctx, ch, payload)
		if result.Success {
			anySent = true
			continue
		}
		e.log.Warn("notification delivery failed",
			"alert_id", row.ID, "channel_type", ch.Type, "err", result.Error)
	}
	if anySent {
		if err := e.rules.MarkNotificationSent(ctx, row.ID); err != nil {
			e.log.Error("mark notification sent", "alert_id", row.ID, "err", err)
		}
	}
}

// GetAlertHistory returns filtered alert instances, most recent first.
func (e *Evaluator) GetAlertHistory(ctx context.Context, p store.ListAlertHistoryParams) ([]store.AlertHistoryRow, error) {
	return e.rules.ListAlertHistory(ctx, p)
}

// AcknowledgeAlert marks an alert acknowledged. Idempotent: re-acknowledging
// returns true without touching the original timestamp; unknown ids return
// false.
func (e *Evaluator) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (bool, error) {
	return e.rules.AcknowledgeAlert(ctx, id, by)
}

// Summary aggregates alert counts by severity and acknowledgment since t.
func (e *Evaluator) Summary(ctx context.Context, since time.Time) (*store.AlertSummary, error) {
	return e.rules.AlertSummary(ctx, since)
}

// breached applies the strict threshold comparison. Equality is not a breach
// in either direction.
func breached(value float64, cond *Conditions) bool {
	switch cond.ThresholdType {
	case ThresholdAbove:
		return value > cond.ThresholdValue
	case ThresholdBelow:
		return value < cond.ThresholdValue
	default:
		return false
	}
}

// ParseConditions validates and parses a kpi_threshold conditions document.
// Used at rule-creation time as well, so malformed rules are rejected before
// they reach an evaluation pass.
func ParseConditions(raw json.RawMessage) (*Conditions, error) {
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.KPIType == "" || c.KPIName == "" {
		return nil, fmt.Errorf("conditions missing kpi_type or kpi_name")
	}
	if c.ThresholdType != ThresholdAbove && c.ThresholdType != ThresholdBelow {
		return nil, fmt.Errorf("unknown threshold_type %q", c.ThresholdType)
	}
	return &c, nil
}

func parseChannels(raw json.RawMessage) ([]notify.ChannelConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var channels []notify.ChannelConfig
	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}
