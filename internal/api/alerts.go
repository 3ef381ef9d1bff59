// ABOUTME: HTTP handlers for alert rule CRUD, manual evaluation, alert
// ABOUTME: history, acknowledgment, and the severity summary.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/kpi"
	"github.com/jcroft/bizpulse/internal/store"
)

// registerAlertRoutes wires up the alerting endpoints on the huma API.
func registerAlertRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "create-alert-rule",
		Method:      http.MethodPost,
		Path:        "/alert-rules",
		Summary:     "Create alert rule",
		Tags:        []string{"Alerts"},
	}, srv.createAlertRuleHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-alert-rules",
		Method:      http.MethodGet,
		Path:        "/alert-rules",
		Summary:     "List alert rules",
		Tags:        []string{"Alerts"},
	}, srv.listAlertRulesHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-alert-rule",
		Method:      http.MethodGet,
		Path:        "/alert-rules/{id}",
		Summary:     "Get alert rule",
		Tags:        []string{"Alerts"},
	}, srv.getAlertRuleHandler)

	huma.Register(api, huma.Operation{
		OperationID: "set-alert-rule-active",
		Method:      http.MethodPatch,
		Path:        "/alert-rules/{id}",
		Summary:     "Enable or disable an alert rule",
		Tags:        []string{"Alerts"},
	}, srv.setAlertRuleActiveHandler)

	huma.Register(api, huma.Operation{
		OperationID: "delete-alert-rule",
		Method:      http.MethodDelete,
		Path:        "/alert-rules/{id}",
		Summary:     "Delete alert rule",
		Description: "Removes the rule and, via cascade, its alert history.",
		Tags:        []string{"Alerts"},
	}, srv.deleteAlertRuleHandler)

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-alerts",
		Method:      http.MethodPost,
		Path:        "/alerts/evaluate",
		Summary:     "Run an evaluation pass now",
		Description: "Rate limited. Per-rule failures are reported in the counts, not as an HTTP error.",
		Tags:        []string{"Alerts"},
	}, srv.evaluateAlertsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-alert-history",
		Method:      http.MethodGet,
		Path:        "/alerts/history",
		Summary:     "List triggered alerts",
		Tags:        []string{"Alerts"},
	}, srv.listAlertHistoryHandler)

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/acknowledge",
		Summary:     "Acknowledge a triggered alert",
		Tags:        []string{"Alerts"},
	}, srv.acknowledgeAlertHandler)

	huma.Register(api, huma.Operation{
		OperationID: "alert-summary",
		Method:      http.MethodGet,
		Path:        "/alerts/summary",
		Summary:     "Alert counts by severity and acknowledgment",
		Tags:        []string{"Alerts"},
	}, srv.alertSummaryHandler)
}

// ── Request / response types ──────────────────────────────────────────────────

// AlertRuleEntry is the API representation of an alert rule.
type AlertRuleEntry struct {
	ID                    string          `json:"id"`
	RuleName              string          `json:"rule_name"`
	RuleType              string          `json:"rule_type"`
	Conditions            json.RawMessage `json:"conditions"`
	Severity              string          `json:"severity"`
	NotificationChannels  json.RawMessage `json:"notification_channels"`
	CooldownMinutes       int32           `json:"cooldown_minutes"`
	EscalationTimeMinutes *int32          `json:"escalation_time_minutes,omitempty"`
	EscalationRecipients  []string        `json:"escalation_recipients"`
	IsActive              bool            `json:"is_active"`
	CreatedBy             string          `json:"created_by"`
	CreatedAt             string          `json:"created_at"`
	UpdatedAt             string          `json:"updated_at"`
}

// AlertHistoryEntry is the API representation of a triggered alert.
type AlertHistoryEntry struct {
	ID               string  `json:"id"`
	RuleID           string  `json:"rule_id"`
	RuleName         string  `json:"rule_name"`
	AlertLevel       string  `json:"alert_level"`
	Message          string  `json:"message"`
	TriggeredValue   float64 `json:"triggered_value"`
	EntityType       *string `json:"entity_type,omitempty"`
	NotificationSent bool    `json:"notification_sent"`
	Acknowledged     bool    `json:"acknowledged"`
	AcknowledgedBy   *string `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *string `json:"acknowledged_at,omitempty"`
	EscalatedAt      *string `json:"escalated_at,omitempty"`
	TriggeredAt      string  `json:"triggered_at"`
}

func ruleToEntry(r store.AlertRuleRow) AlertRuleEntry {
	recipients := r.EscalationRecipients
	if recipients == nil {
		recipients = []string{} // never return null for arrays in JSON
	}
	return AlertRuleEntry{
		ID:                    r.ID.String(),
		RuleName:              r.RuleName,
		RuleType:              r.RuleType,
		Conditions:            r.Conditions,
		Severity:              r.Severity,
		NotificationChannels:  r.NotificationChannels,
		CooldownMinutes:       r.CooldownMinutes,
		EscalationTimeMinutes: r.EscalationTimeMinutes,
		EscalationRecipients:  recipients,
		IsActive:              r.IsActive,
		CreatedBy:             r.CreatedBy,
		CreatedAt:             r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func historyToEntry(h store.AlertHistoryRow) AlertHistoryEntry {
	e := AlertHistoryEntry{
		ID:               h.ID.String(),
		RuleID:           h.RuleID.String(),
		RuleName:         h.RuleName,
		AlertLevel:       h.AlertLevel,
		Message:          h.Message,
		TriggeredValue:   h.TriggeredValue,
		EntityType:       h.EntityType,
		NotificationSent: h.NotificationSent,
		Acknowledged:     h.Acknowledged,
		AcknowledgedBy:   h.AcknowledgedBy,
		TriggeredAt:      h.TriggeredAt.UTC().Format(time.RFC3339),
	}
	if h.AcknowledgedAt != nil {
		s := h.AcknowledgedAt.UTC().Format(time.RFC3339)
		e.AcknowledgedAt = &s
	}
	if h.EscalatedAt != nil {
		s := h.EscalatedAt.UTC().Format(time.RFC3339)
		e.EscalatedAt = &s
	}
	return e
}

// ── POST /alert-rules ─────────────────────────────────────────────────────────

type CreateAlertRuleInput struct {
	Body struct {
		RuleName              string          `json:"rule_name" minLength:"1" maxLength:"200"`
		RuleType              string          `json:"rule_type,omitempty" enum:"kpi_threshold,performance,system" default:"kpi_threshold"`
		Conditions            json.RawMessage `json:"conditions"`
		Severity              string          `json:"severity,omitempty" enum:"low,medium,high,critical" default:"medium"`
		NotificationChannels  json.RawMessage `json:"notification_channels,omitempty"`
		CooldownMinutes       int32           `json:"cooldown_minutes,omitempty" minimum:"0"`
		EscalationTimeMinutes *int32          `json:"escalation_time_minutes,omitempty" minimum:"1"`
		EscalationRecipients  []string        `json:"escalation_recipients,omitempty"`
		IsActive              *bool           `json:"is_active,omitempty"`
		CreatedBy             string          `json:"created_by,omitempty"`
	}
}

type AlertRuleOutput struct {
	Body AlertRuleEntry
}

func (srv *Server) createAlertRuleHandler(ctx context.Context, input *CreateAlertRuleInput) (*AlertRuleOutput, error) {
	b := input.Body
	ruleType := b.RuleType
	if ruleType == "" {
		ruleType = "kpi_threshold"
	}
	if ruleType == "kpi_threshold" {
		if _, err := alert.ParseConditions(b.Conditions); err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid conditions", err)
		}
	}

	active := true
	if b.IsActive != nil {
		active = *b.IsActive
	}
	row, err := srv.store.CreateAlertRule(ctx, store.CreateAlertRuleParams{
		RuleName:              b.RuleName,
		RuleType:              ruleType,
		Conditions:            b.Conditions,
		Severity:              b.Severity,
		NotificationChannels:  b.NotificationChannels,
		CooldownMinutes:       b.CooldownMinutes,
		EscalationTimeMinutes: b.EscalationTimeMinutes,
		EscalationRecipients:  b.EscalationRecipients,
		IsActive:              active,
		CreatedBy:             b.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("create alert rule: %w", err)
	}
	return &AlertRuleOutput{Body: ruleToEntry(*row)}, nil
}

// ── GET /alert-rules ──────────────────────────────────────────────────────────

type ListAlertRulesInput struct {
	ActiveOnly bool `query:"active_only" doc:"Return only active rules"`
	Limit      int  `query:"limit" minimum:"1" maximum:"500" default:"100"`
}

type ListAlertRulesOutput struct {
	Body struct {
		Items []AlertRuleEntry `json:"items"`
	}
}

func (srv *Server) listAlertRulesHandler(ctx context.Context, input *ListAlertRulesInput) (*ListAlertRulesOutput, error) {
	rows, err := srv.store.ListAlertRules(ctx, input.ActiveOnly, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	out := &ListAlertRulesOutput{}
	out.Body.Items = make([]AlertRuleEntry, len(rows))
	for i, r := range rows {
		out.Body.Items[i] = ruleToEntry(r)
	}
	return out, nil
}

// ── GET /alert-rules/{id} ─────────────────────────────────────────────────────

type RuleIDInput struct {
	ID string `path:"id" format:"uuid"`
}

func (srv *Server) getAlertRuleHandler(ctx context.Context, input *RuleIDInput) (*AlertRuleOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid rule id", err)
	}
	row, err := srv.store.GetAlertRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	if row == nil {
		return nil, huma.Error404NotFound("alert rule not found")
	}
	return &AlertRuleOutput{Body: ruleToEntry(*row)}, nil
}

// ── PATCH /alert-rules/{id} ───────────────────────────────────────────────────

type SetRuleActiveInput struct {
	ID   string `path:"id" format:"uuid"`
	Body struct {
		IsActive bool `json:"is_active"`
	}
}

func (srv *Server) setAlertRuleActiveHandler(ctx context.Context, input *SetRuleActiveInput) (*AlertRuleOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid rule id", err)
	}
	if err := srv.store.SetAlertRuleActive(ctx, id, input.Body.IsActive); err != nil {
		return nil, fmt.Errorf("set alert rule active: %w", err)
	}
	row, err := srv.store.GetAlertRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	if row == nil {
		return nil, huma.Error404NotFound("alert rule not found")
	}
	return &AlertRuleOutput{Body: ruleToEntry(*row)}, nil
}

// ── DELETE /alert-rules/{id} ──────────────────────────────────────────────────

type DeleteRuleOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

func (srv *Server) deleteAlertRuleHandler(ctx context.Context, input *RuleIDInput) (*DeleteRuleOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid rule id", err)
	}
	if err := srv.store.DeleteAlertRule(ctx, id); err != nil {
		return nil, fmt.Errorf("delete alert rule: %w", err)
	}
	out := &DeleteRuleOutput{}
	out.Body.Deleted = true
	return out, nil
}

// ── POST /alerts/evaluate ─────────────────────────────────────────────────────

type EvaluateAlertsInput struct {
	Body struct {
		Start *time.Time `json:"start,omitempty" doc:"Optional lower bound for KPI computation"`
		End   *time.Time `json:"end,omitempty" doc:"Optional upper bound for KPI computation"`
	}
}

type EvaluateAlertsOutput struct {
	Body alert.Result
}

func (srv *Server) evaluateAlertsHandler(ctx context.Context, input *EvaluateAlertsInput) (*EvaluateAlertsOutput, error) {
	if !srv.evalLimiter.Allow() {
		return nil, huma.Error429TooManyRequests("manual evaluation rate limit exceeded")
	}

	var rng *kpi.TimeRange
	if input.Body.Start != nil || input.Body.End != nil {
		rng = &kpi.TimeRange{}
		if input.Body.Start != nil {
			rng.Start = *input.Body.Start
		}
		if input.Body.End != nil {
			rng.End = *input.Body.End
		}
	}

	res, err := srv.tasks.EvaluateNow(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("evaluate alerts: %w", err)
	}
	return &EvaluateAlertsOutput{Body: *res}, nil
}

// ── GET /alerts/history ───────────────────────────────────────────────────────

type ListAlertHistoryInput struct {
	RuleID       string `query:"rule_id" doc:"Filter by rule id"`
	Severity     string `query:"severity" enum:"low,medium,high,critical,"`
	Acknowledged *bool  `query:"acknowledged"`
	Limit        int    `query:"limit" minimum:"1" maximum:"1000" default:"100"`
}

type ListAlertHistoryOutput struct {
	Body struct {
		Items []AlertHistoryEntry `json:"items"`
	}
}

func (srv *Server) listAlertHistoryHandler(ctx context.Context, input *ListAlertHistoryInput) (*ListAlertHistoryOutput, error) {
	p := store.ListAlertHistoryParams{
		Acknowledged: input.Acknowledged,
		Limit:        input.Limit,
	}
	if input.RuleID != "" {
		id, err := uuid.Parse(input.RuleID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid rule_id", err)
		}
		p.RuleID = &id
	}
	if input.Severity != "" {
		p.Severity = &input.Severity
	}
	rows, err := srv.store.ListAlertHistory(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	out := &ListAlertHistoryOutput{}
	out.Body.Items = make([]AlertHistoryEntry, len(rows))
	for i, h := range rows {
		out.Body.Items[i] = historyToEntry(h)
	}
	return out, nil
}

// ── POST /alerts/{id}/acknowledge ─────────────────────────────────────────────

type AcknowledgeAlertInput struct {
	ID   string `path:"id" format:"uuid"`
	Body struct {
		AcknowledgedBy string `json:"acknowledged_by" minLength:"1" maxLength:"200"`
	}
}

type AcknowledgeAlertOutput struct {
	Body struct {
		Acknowledged bool `json:"acknowledged"`
	}
}

func (srv *Server) acknowledgeAlertHandler(ctx context.Context, input *AcknowledgeAlertInput) (*AcknowledgeAlertOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid alert id", err)
	}
	ok, err := srv.store.AcknowledgeAlert(ctx, id, input.Body.AcknowledgedBy)
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	if !ok {
		return nil, huma.Error404NotFound("alert not found")
	}
	out := &AcknowledgeAlertOutput{}
	out.Body.Acknowledged = true
	return out, nil
}

// ── GET /alerts/summary ───────────────────────────────────────────────────────

type AlertSummaryInput struct {
	Hours int `query:"hours" minimum:"1" maximum:"720" default:"24" doc:"Look-back window in hours"`
}

type AlertSummaryOutput struct {
	Body struct {
		Since          string           `json:"since"`
		Total          int64            `json:"total"`
		Unacknowledged int64            `json:"unacknowledged"`
		BySeverity     map[string]int64 `json:"by_severity"`
	}
}

func (srv *Server) alertSummaryHandler(ctx context.Context, input *AlertSummaryInput) (*AlertSummaryOutput, error) {
	since := time.Now().UTC().Add(-time.Duration(input.Hours) * time.Hour)
	s, err := srv.store.AlertSummary(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("alert summary: %w", err)
	}
	out := &AlertSummaryOutput{}
	out.Body.Since = since.Format(time.RFC3339)
	out.Body.Total = s.Total
	out.Body.Unacknowledged = s.Unacknowledged
	out.Body.BySeverity = s.BySeverity
	return out, nil
}
