// ABOUTME: Store methods for triggered alert instances: cooldown-guarded insert,
// ABOUTME: acknowledgment, escalation claims, and filtered history reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AlertHistoryRow is a triggered alert instance.
type AlertHistoryRow struct {
	ID               uuid.UUID
	RuleID           uuid.UUID
	RuleName         string
	AlertLevel       string
	Message          string
	TriggeredValue   float64
	EntityType       *string
	NotificationSent bool
	Acknowledged     bool
	AcknowledgedBy   *string
	AcknowledgedAt   *time.Time
	EscalatedAt      *time.Time
	TriggeredAt      time.Time
}

// TriggerAlertParams holds the fields for recording a new triggered alert.
type TriggerAlertParams struct {
	RuleID          uuid.UUID
	RuleName        string
	AlertLevel      string
	Message         string
	TriggeredValue  float64
	EntityType      *string
	CooldownMinutes int32
}

// ListAlertHistoryParams holds optional filters for history reads.
type ListAlertHistoryParams struct {
	RuleID       *uuid.UUID
	Severity     *string
	Acknowledged *bool
	Limit        int
}

// EscalationCandidate is an unacknowledged, unescalated alert joined with its
// rule's escalation configuration.
type EscalationCandidate struct {
	Alert                 AlertHistoryRow
	EscalationTimeMinutes int32
	EscalationRecipients  []string
}

// AlertSummary is the aggregate view of recent alert activity.
type AlertSummary struct {
	Total          int64
	Unacknowledged int64
	BySeverity     map[string]int64
}

// AlertHistoryStore defines the DB operations on triggered alert instances.
type AlertHistoryStore interface {
	TriggerAlert(ctx context.Context, p TriggerAlertParams) (*AlertHistoryRow, bool, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID) error
	ListAlertHistory(ctx context.Context, p ListAlertHistoryParams) ([]AlertHistoryRow, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (bool, error)
	ListEscalationCandidates(ctx context.Context, limit int) ([]EscalationCandidate, error)
	ClaimEscalation(ctx context.Context, id uuid.UUID) (bool, error)
	AlertSummary(ctx context.Context, since time.Time) (*AlertSummary, error)
}

const alertHistoryColumns = `id, rule_id, rule_name, alert_level, message,
	triggered_value, entity_type, notification_sent, acknowledged,
	acknowledged_by, acknowledged_at, escalated_at, triggered_at`

// TriggerAlert inserts a new alert_history row unless the rule triggered
// within its cooldown window. Returns (row, true) on insert and (nil, false)
// when suppressed by cooldown.
//
// The cooldown check and insert run under a per-rule advisory lock so that
// concurrent evaluation passes (scheduled + manual) serialize here rather
// than racing read-then-write.
func (s *Store) TriggerAlert(ctx context.Context, p TriggerAlertParams) (*AlertHistoryRow, bool, error) {
	var (
		inserted bool
		result   *AlertHistoryRow
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, p.RuleID,
		); err != nil {
			return fmt.Errorf("advisory lock rule %s: %w", p.RuleID, err)
		}

		if p.CooldownMinutes > 0 {
			var inCooldown bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM alert_history
					WHERE rule_id = $1
					  AND triggered_at > now() - make_interval(mins => $2)
				)`, p.RuleID, p.CooldownMinutes,
			).Scan(&inCooldown); err != nil {
				return fmt.Errorf("cooldown check rule %s: %w", p.RuleID, err)
			}
			if inCooldown {
				return nil
			}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO alert_history
				(rule_id, rule_name, alert_level, message, triggered_value, entity_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+alertHistoryColumns,
			p.RuleID, p.RuleName, p.AlertLevel, p.Message, p.TriggeredValue, p.EntityType,
		)
		r, err := scanAlertHistory(row)
		if err != nil {
			return fmt.Errorf("insert alert history: %w", err)
		}
		result = r
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, inserted, nil
}

// MarkNotificationSent records that the initial notification for an alert was
// dispatched successfully. Escalation dispatches do not touch this flag.
func (s *Store) MarkNotificationSent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE alert_history SET notification_sent = true WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("mark notification sent %s: %w", id, err)
	}
	return nil
}

// ListAlertHistory returns filtered alert instances, most recent first.
func (s *Store) ListAlertHistory(ctx context.Context, p ListAlertHistoryParams) ([]AlertHistoryRow, error) {
	limit := p.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	b := psql.Select(alertHistoryColumns).
		From("alert_history").
		OrderBy("triggered_at DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: bounded above
	if p.RuleID != nil {
		b = b.Where(sq.Eq{"rule_id": *p.RuleID})
	}
	if p.Severity != nil {
		b = b.Where(sq.Eq{"alert_level": *p.Severity})
	}
	if p.Acknowledged != nil {
		b = b.Where(sq.Eq{"acknowledged": *p.Acknowledged})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []AlertHistoryRow
	for rows.Next() {
		r, err := scanAlertHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert history: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged. Idempotent: acknowledging an
// already-acknowledged alert is a no-op that still returns true, preserving
// the original acknowledged_at; a missing alert returns false.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_history
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		WHERE id = $1 AND NOT acknowledged`, id, by)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM alert_history WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("acknowledge alert exists %s: %w", id, err)
	}
	return exists, nil
}

// ListEscalationCandidates returns unacknowledged, unescalated alerts whose
// rule defines an escalation policy, most recent first, bounded by limit.
func (s *Store) ListEscalationCandidates(ctx context.Context, limit int) ([]EscalationCandidate, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.rule_id, h.rule_name, h.alert_level, h.message,
		       h.triggered_value, h.entity_type, h.notification_sent,
		       h.acknowledged, h.acknowledged_by, h.acknowledged_at,
		       h.escalated_at, h.triggered_at,
		       r.escalation_time_minutes, r.escalation_recipients
		FROM alert_history h
		JOIN alert_rules r ON r.id = h.rule_id
		WHERE NOT h.acknowledged
		  AND h.escalated_at IS NULL
		  AND r.escalation_time_minutes IS NOT NULL
		ORDER BY h.triggered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalation candidates: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []EscalationCandidate
	for rows.Next() {
		var (
			c          EscalationCandidate
			recipients pq.StringArray
		)
		if err := rows.Scan(
			&c.Alert.ID, &c.Alert.RuleID, &c.Alert.RuleName, &c.Alert.AlertLevel,
			&c.Alert.Message, &c.Alert.TriggeredValue, &c.Alert.EntityType,
			&c.Alert.NotificationSent, &c.Alert.Acknowledged,
			&c.Alert.AcknowledgedBy, &c.Alert.AcknowledgedAt,
			&c.Alert.EscalatedAt, &c.Alert.TriggeredAt,
			&c.EscalationTimeMinutes, &recipients,
		); err != nil {
			return nil, fmt.Errorf("scan escalation candidate: %w", err)
		}
		c.EscalationRecipients = recipients
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimEscalation atomically sets the escalated_at marker. Returns true only
// for the caller that won the claim; subsequent calls (and calls on
// acknowledged alerts) return false. This is what makes escalation
// at-most-once per alert instance regardless of processor run count.
func (s *Store) ClaimEscalation(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_history
		SET escalated_at = now()
		WHERE id = $1 AND escalated_at IS NULL AND NOT acknowledged`, id)
	if err != nil {
		return false, fmt.Errorf("claim escalation %s: %w", id, err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck
	return n > 0, nil
}

// AlertSummary aggregates alert counts by severity and acknowledgment since
// the given time.
func (s *Store) AlertSummary(ctx context.Context, since time.Time) (*AlertSummary, error) {
	summary := &AlertSummary{BySeverity: make(map[string]int64)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_level,
		       count(*),
		       count(*) FILTER (WHERE NOT acknowledged)
		FROM alert_history
		WHERE triggered_at >= $1
		GROUP BY alert_level`, since)
	if err != nil {
		return nil, fmt.Errorf("alert summary: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var (
			level          string
			total, unacked int64
		)
		if err := rows.Scan(&level, &total, &unacked); err != nil {
			return nil, fmt.Errorf("scan alert summary: %w", err)
		}
		summary.BySeverity[level] = total
		summary.Total += total
		summary.Unacknowledged += unacked
	}
	return summary, rows.Err()
}

func scanAlertHistory(sc scanner) (*AlertHistoryRow, error) {
	var (
		r       AlertHistoryRow
		entity  sql.NullString
		ackBy   sql.NullString
		ackAt   sql.NullTime
		escAt   sql.NullTime
	)
	if err := sc.Scan(
		&r.ID, &r.RuleID, &r.RuleName, &r.AlertLevel, &r.Message,
		&r.TriggeredValue, &entity, &r.NotificationSent, &r.Acknowledged,
		&ackBy, &ackAt, &escAt, &r.TriggeredAt,
	); err != nil {
		return nil, err
	}
	if entity.Valid {
		r.EntityType = &entity.String
	}
	if ackBy.Valid {
		r.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		t := ackAt.Time
		r.AcknowledgedAt = &t
	}
	if escAt.Valid {
		t := escAt.Time
		r.EscalatedAt = &t
	}
	return &r, nil
}
