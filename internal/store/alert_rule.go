// ABOUTME: Store methods for alert rule management.
// ABOUTME: Rules are created via the admin API and read-only to the evaluator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AlertRuleRow is the alert rule record returned by store methods.
type AlertRuleRow struct {
	ID                    uuid.UUID
	RuleName              string
	RuleType              string
	Conditions            json.RawMessage
	Severity              string
	NotificationChannels  json.RawMessage
	CooldownMinutes       int32
	EscalationTimeMinutes *int32
	EscalationRecipients  []string
	IsActive              bool
	CreatedBy             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CreateAlertRuleParams holds the fields for creating an alert rule.
type CreateAlertRuleParams struct {
	RuleName              string
	RuleType              string
	Conditions            json.RawMessage
	Severity              string
	NotificationChannels  json.RawMessage
	CooldownMinutes       int32
	EscalationTimeMinutes *int32
	EscalationRecipients  []string
	IsActive              bool
	CreatedBy             string
}

// AlertRuleStore defines the DB operations for alert rule management.
type AlertRuleStore interface {
	CreateAlertRule(ctx context.Context, p CreateAlertRuleParams) (*AlertRuleRow, error)
	GetAlertRule(ctx context.Context, id uuid.UUID) (*AlertRuleRow, error)
	ListAlertRules(ctx context.Context, activeOnly bool, limit int) ([]AlertRuleRow, error)
	ListActiveRules(ctx context.Context) ([]AlertRuleRow, error)
	SetAlertRuleActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteAlertRule(ctx context.Context, id uuid.UUID) error
}

const alertRuleColumns = `id, rule_name, rule_type, conditions, severity,
	notification_channels, cooldown_minutes, escalation_time_minutes,
	escalation_recipients, is_active, created_by, created_at, updated_at`

// CreateAlertRule inserts a new alert rule.
func (s *Store) CreateAlertRule(ctx context.Context, p CreateAlertRuleParams) (*AlertRuleRow, error) {
	if p.RuleType == "" {
		p.RuleType = "kpi_threshold"
	}
	if p.Severity == "" {
		p.Severity = "medium"
	}
	if p.NotificationChannels == nil {
		p.NotificationChannels = json.RawMessage("[]")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_rules
			(rule_name, rule_type, conditions, severity, notification_channels,
			 cooldown_minutes, escalation_time_minutes, escalation_recipients,
			 is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+alertRuleColumns,
		p.RuleName, p.RuleType, []byte(p.Conditions), p.Severity,
		[]byte(p.NotificationChannels), p.CooldownMinutes,
		p.EscalationTimeMinutes, pq.Array(p.EscalationRecipients),
		p.IsActive, p.CreatedBy,
	)
	r, err := scanAlertRule(row)
	if err != nil {
		return nil, fmt.Errorf("create alert rule: %w", err)
	}
	return r, nil
}

// GetAlertRule returns the rule with the given id, or (nil, nil) if not found.
func (s *Store) GetAlertRule(ctx context.Context, id uuid.UUID) (*AlertRuleRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = $1`, id)
	r, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return r, nil
}

// ListAlertRules returns rules most-recently-created first, optionally
// filtered to active rules only.
func (s *Store) ListAlertRules(ctx context.Context, activeOnly bool, limit int) ([]AlertRuleRow, error) {
	if limit <= 0 {
		limit = 100
	}
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	b := psql.Select(alertRuleColumns).
		From("alert_rules").
		OrderBy("created_at DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: bounded by caller validation
	if activeOnly {
		b = b.Where(sq.Eq{"is_active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list rules query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return scanAlertRules(rows)
}

// ListActiveRules returns all active rules for an evaluation pass.
func (s *Store) ListActiveRules(ctx context.Context) ([]AlertRuleRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return scanAlertRules(rows)
}

// SetAlertRuleActive flips a rule's is_active flag.
func (s *Store) SetAlertRuleActive(ctx context.Context, id uuid.UUID, active bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	); err != nil {
		return fmt.Errorf("set alert rule active %s: %w", id, err)
	}
	return nil
}

// DeleteAlertRule removes a rule and, via FK cascade, its alert history.
func (s *Store) DeleteAlertRule(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_rules WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("delete alert rule %s: %w", id, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlertRule(sc scanner) (*AlertRuleRow, error) {
	var (
		r          AlertRuleRow
		escTime    sql.NullInt32
		recipients pq.StringArray
		conditions []byte
		channels   []byte
	)
	if err := sc.Scan(
		&r.ID, &r.RuleName, &r.RuleType, &conditions, &r.Severity,
		&channels, &r.CooldownMinutes, &escTime, &recipients,
		&r.IsActive, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Conditions = conditions
	r.NotificationChannels = channels
	if escTime.Valid {
		v := escTime.Int32
		r.EscalationTimeMinutes = &v
	}
	r.EscalationRecipients = recipients
	return &r, nil
}

func scanAlertRules(rows *sql.Rows) ([]AlertRuleRow, error) {
	defer rows.Close() //nolint:errcheck
	var out []AlertRuleRow
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
