// ABOUTME: Integration tests for the escalation processor: due-time filtering,
// ABOUTME: the exactly-once claim, and acknowledgment cutting escalation off.
package alert_test

import (
	"context"
	"testing"
	"time"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/store"
	"github.com/jcroft/bizpulse/internal/testutil"
)

func createEscalatingRule(t *testing.T, st *store.Store, name string, minutes int32) *store.AlertRuleRow {
	t.Helper()
	row, err := st.CreateAlertRule(context.Background(), store.CreateAlertRuleParams{
		RuleName:              name,
		RuleType:              "kpi_threshold",
		Conditions:            conditionsJSON(t, "financial", "revenue", "below", 100),
		Severity:              "critical",
		EscalationTimeMinutes: &minutes,
		EscalationRecipients:  []string{"lead@example.com", "oncall@example.com"},
		IsActive:              true,
		CreatedBy:             "test",
	})
	if err != nil {
		t.Fatalf("create rule %s: %v", name, err)
	}
	return row
}

func triggerOnce(t *testing.T, st *store.Store, rule *store.AlertRuleRow) *store.AlertHistoryRow {
	t.Helper()
	row, inserted, err := st.TriggerAlert(context.Background(), store.TriggerAlertParams{
		RuleID:         rule.ID,
		RuleName:       rule.RuleName,
		AlertLevel:     rule.Severity,
		Message:        "revenue is 50.00, below threshold 100.00",
		TriggeredValue: 50,
	})
	if err != nil || !inserted {
		t.Fatalf("trigger alert: inserted=%v err=%v", inserted, err)
	}
	return row
}

func TestProcessEscalations_ExactlyOnce(t *testing.T) {
	st := testutil.NewTestDB(t)
	rule := createEscalatingRule(t, st, "escalate-once", 10)
	triggered := triggerOnce(t, st, rule)

	dispatch := &fakeDispatcher{}
	future := time.Now().Add(15 * time.Minute)
	esc := alert.NewEscalator(st, dispatch, func() time.Time { return future }, quietLogger())

	res, err := esc.ProcessEscalations(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if res.Candidates != 1 || res.Escalated != 1 {
		t.Fatalf("first pass result %+v", res)
	}
	if dispatch.count() != 1 {
		t.Fatalf("dispatched %d payloads, want 1", dispatch.count())
	}
	if !dispatch.sends[0].Escalation {
		t.Fatal("escalation payload not flagged")
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("%d alert summaries, want 1", len(res.Alerts))
	}
	if a := res.Alerts[0]; a.AlertID != triggered.ID.String() ||
		a.RuleID != rule.ID.String() || a.RuleName != rule.RuleName ||
		a.Severity != "critical" || a.TriggeredAt.IsZero() {
		t.Fatalf("summary %+v does not identify the escalated alert", a)
	}

	// Escalated alerts drop out of the candidate set for good.
	for pass := range 3 {
		res, err = esc.ProcessEscalations(context.Background())
		if err != nil {
			t.Fatalf("pass %d: %v", pass+2, err)
		}
		if res.Candidates != 0 || res.Escalated != 0 {
			t.Fatalf("pass %d re-escalated: %+v", pass+2, res)
		}
	}
	if dispatch.count() != 1 {
		t.Fatalf("repeat passes dispatched again: %d total sends", dispatch.count())
	}

	rows, err := st.ListAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("history: %v (%d rows)", err, len(rows))
	}
	if rows[0].EscalatedAt == nil {
		t.Fatal("escalated_at not recorded")
	}
}

func TestProcessEscalations_NotYetDue(t *testing.T) {
	st := testutil.NewTestDB(t)
	rule := createEscalatingRule(t, st, "escalate-later", 30)
	triggerOnce(t, st, rule)

	dispatch := &fakeDispatcher{}
	soon := time.Now().Add(5 * time.Minute)
	esc := alert.NewEscalator(st, dispatch, func() time.Time { return soon }, quietLogger())

	res, err := esc.ProcessEscalations(context.Background())
	if err != nil {
		t.Fatalf("ProcessEscalations: %v", err)
	}
	if res.Candidates != 1 || res.Escalated != 0 {
		t.Fatalf("escalated before the window elapsed: %+v", res)
	}
	if dispatch.count() != 0 {
		t.Fatal("dispatched for a not-yet-due alert")
	}
}

func TestProcessEscalations_AcknowledgedNeverEscalates(t *testing.T) {
	st := testutil.NewTestDB(t)
	rule := createEscalatingRule(t, st, "escalate-acked", 10)
	row := triggerOnce(t, st, rule)

	if ok, err := st.AcknowledgeAlert(context.Background(), row.ID, "alice"); err != nil || !ok {
		t.Fatalf("acknowledge: ok=%v err=%v", ok, err)
	}

	dispatch := &fakeDispatcher{}
	future := time.Now().Add(time.Hour)
	esc := alert.NewEscalator(st, dispatch, func() time.Time { return future }, quietLogger())

	res, err := esc.ProcessEscalations(context.Background())
	if err != nil {
		t.Fatalf("ProcessEscalations: %v", err)
	}
	if res.Candidates != 0 || res.Escalated != 0 || dispatch.count() != 0 {
		t.Fatalf("acknowledged alert escalated: %+v, %d sends", res, dispatch.count())
	}
}

func TestProcessEscalations_DispatchFailureKeepsClaim(t *testing.T) {
	st := testutil.NewTestDB(t)
	rule := createEscalatingRule(t, st, "escalate-flaky", 10)
	triggerOnce(t, st, rule)

	dispatch := &fakeDispatcher{fail: true}
	future := time.Now().Add(time.Hour)
	esc := alert.NewEscalator(st, dispatch, func() time.Time { return future }, quietLogger())

	res, err := esc.ProcessEscalations(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if res.Escalated != 1 || dispatch.count() != 1 {
		t.Fatalf("first pass result %+v, %d sends", res, dispatch.count())
	}

	// The claim holds even though delivery failed: no retry on the next pass.
	res, err = esc.ProcessEscalations(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Candidates != 0 || dispatch.count() != 1 {
		t.Fatalf("failed delivery was retried: %+v, %d sends", res, dispatch.count())
	}
}
