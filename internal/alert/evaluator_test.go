// ABOUTME: Integration tests for the alert evaluator using a testcontainer
// ABOUTME: Postgres database: thresholds, cooldown, dispatch, acknowledgment.
package alert_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/kpi"
	"github.com/jcroft/bizpulse/internal/notify"
	"github.com/jcroft/bizpulse/internal/store"
	"github.com/jcroft/bizpulse/internal/testutil"
)

// fakeDispatcher records sends and returns a configurable result.
type fakeDispatcher struct {
	mu    sync.Mutex
	sends []notify.AlertPayload
	fail  bool
}

func (d *fakeDispatcher) Send(_ context.Context, _ notify.ChannelConfig, p notify.AlertPayload) notify.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, p)
	if d.fail {
		return notify.Result{Error: "smtp down"}
	}
	return notify.Result{Success: true}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

// fixedValues is a calculator serving a static metric table.
func fixedValues(values map[string]float64) kpi.Calculator {
	return kpi.CalculatorFunc(func(_ context.Context, kpiType, kpiName string, _ *kpi.TimeRange) (float64, error) {
		v, ok := values[kpiType+"/"+kpiName]
		if !ok {
			return 0, fmt.Errorf("%w: %s/%s", kpi.ErrUnknownKPI, kpiType, kpiName)
		}
		return v, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func conditionsJSON(t *testing.T, kpiType, kpiName, thresholdType string, threshold float64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kpi_type":        kpiType,
		"kpi_name":        kpiName,
		"threshold_type":  thresholdType,
		"threshold_value": threshold,
	})
	if err != nil {
		t.Fatalf("marshal conditions: %v", err)
	}
	return raw
}

func createRule(t *testing.T, st *store.Store, name string, conditions json.RawMessage, cooldown int32) *store.AlertRuleRow {
	t.Helper()
	row, err := st.CreateAlertRule(context.Background(), store.CreateAlertRuleParams{
		RuleName:        name,
		RuleType:        "kpi_threshold",
		Conditions:      conditions,
		Severity:        "high",
		CooldownMinutes: cooldown,
		IsActive:        true,
		CreatedBy:       "test",
	})
	if err != nil {
		t.Fatalf("create rule %s: %v", name, err)
	}
	return row
}

func TestEvaluateKPIAlerts_StrictThreshold(t *testing.T) {
	st := testutil.NewTestDB(t)
	calc := fixedValues(map[string]float64{
		"financial/revenue": 100,
		"sales/orders":      100,
	})
	ev := alert.NewEvaluator(st, calc, nil, quietLogger())

	// Equality in either direction never triggers.
	createRule(t, st, "above-equal", conditionsJSON(t, "financial", "revenue", "above", 100), 0)
	createRule(t, st, "below-equal", conditionsJSON(t, "financial", "revenue", "below", 100), 0)
	// Strict breaches do.
	createRule(t, st, "above-hit", conditionsJSON(t, "sales", "orders", "above", 99.99), 0)
	createRule(t, st, "below-hit", conditionsJSON(t, "sales", "orders", "below", 100.01), 0)

	res, err := ev.EvaluateKPIAlerts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	if res.Evaluated != 4 || res.Triggered != 2 || res.Errors != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	history, err := st.ListAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("%d history rows, want 2", len(history))
	}
	for _, h := range history {
		if h.TriggeredValue != 100 {
			t.Fatalf("triggered value %v recorded, want 100", h.TriggeredValue)
		}
	}

	// The result carries a per-alert summary matching the history rows.
	if len(res.Alerts) != 2 {
		t.Fatalf("%d alert summaries, want 2", len(res.Alerts))
	}
	byID := make(map[string]store.AlertHistoryRow, len(history))
	for _, h := range history {
		byID[h.ID.String()] = h
	}
	for _, a := range res.Alerts {
		h, ok := byID[a.AlertID]
		if !ok {
			t.Fatalf("summary %+v names no history row", a)
		}
		if a.RuleID != h.RuleID.String() || a.RuleName != h.RuleName {
			t.Fatalf("summary %+v does not match row %+v", a, h)
		}
		if a.Severity != "high" || a.TriggeredValue != 100 || a.TriggeredAt.IsZero() {
			t.Fatalf("incomplete summary %+v", a)
		}
	}
}

func TestEvaluateKPIAlerts_CooldownSuppresses(t *testing.T) {
	st := testutil.NewTestDB(t)
	calc := fixedValues(map[string]float64{"financial/revenue": 50})
	ev := alert.NewEvaluator(st, calc, nil, quietLogger())

	createRule(t, st, "with-cooldown", conditionsJSON(t, "financial", "revenue", "below", 100), 30)
	createRule(t, st, "no-cooldown", conditionsJSON(t, "financial", "revenue", "below", 100), 0)

	// Three back-to-back passes: the cooldown rule triggers once, the
	// zero-cooldown rule every time.
	for pass := range 3 {
		res, err := ev.EvaluateKPIAlerts(context.Background(), nil)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		want := 2
		if pass > 0 {
			want = 1
		}
		if res.Triggered != want {
			t.Fatalf("pass %d triggered %d, want %d", pass, res.Triggered, want)
		}
	}

	history, err := st.ListAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("%d history rows, want 4 (1 + 3)", len(history))
	}
}

func TestEvaluateKPIAlerts_PerRuleErrorIsolation(t *testing.T) {
	st := testutil.NewTestDB(t)
	calc := fixedValues(map[string]float64{"financial/revenue": 50})
	ev := alert.NewEvaluator(st, calc, nil, quietLogger())

	createRule(t, st, "broken-metric", conditionsJSON(t, "nope", "missing", "above", 1), 0)
	createRule(t, st, "bad-conditions", json.RawMessage(`{"threshold_type":"sideways"}`), 0)
	createRule(t, st, "working", conditionsJSON(t, "financial", "revenue", "below", 100), 0)

	res, err := ev.EvaluateKPIAlerts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	if res.Errors != 2 {
		t.Fatalf("errors %d, want 2", res.Errors)
	}
	if res.Triggered != 1 {
		t.Fatalf("triggered %d, want 1 (failures must not block other rules)", res.Triggered)
	}
}

func TestEvaluateKPIAlerts_SkipsOtherRuleTypes(t *testing.T) {
	st := testutil.NewTestDB(t)
	ev := alert.NewEvaluator(st, fixedValues(nil), nil, quietLogger())

	if _, err := st.CreateAlertRule(context.Background(), store.CreateAlertRuleParams{
		RuleName:   "sys-rule",
		RuleType:   "system",
		Conditions: json.RawMessage(`{}`),
		IsActive:   true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	res, err := ev.EvaluateKPIAlerts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	if res.Skipped != 1 || res.Evaluated != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEvaluateKPIAlerts_DispatchRecordsNotificationSent(t *testing.T) {
	st := testutil.NewTestDB(t)
	calc := fixedValues(map[string]float64{"financial/revenue": 50})

	channels := json.RawMessage(`[{"type":"email","recipients":["ops@example.com"]}]`)
	mkRule := func(name string) *store.AlertRuleRow {
		row, err := st.CreateAlertRule(context.Background(), store.CreateAlertRuleParams{
			RuleName:             name,
			RuleType:             "kpi_threshold",
			Conditions:           conditionsJSON(t, "financial", "revenue", "below", 100),
			Severity:             "high",
			NotificationChannels: channels,
			IsActive:             true,
		})
		if err != nil {
			t.Fatalf("create rule: %v", err)
		}
		return row
	}

	// Successful dispatch marks notification_sent.
	mkRule("dispatch-ok")
	okDispatch := &fakeDispatcher{}
	ev := alert.NewEvaluator(st, calc, okDispatch, quietLogger())
	if _, err := ev.EvaluateKPIAlerts(context.Background(), nil); err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	if okDispatch.count() != 1 {
		t.Fatalf("dispatched %d payloads, want 1", okDispatch.count())
	}

	rows, err := st.ListAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || !rows[0].NotificationSent {
		t.Fatalf("expected one row with notification_sent, got %+v", rows)
	}

	// Failed dispatch leaves notification_sent false.
	st2 := testutil.NewTestDB(t)
	_, err = st2.CreateAlertRule(context.Background(), store.CreateAlertRuleParams{
		RuleName:             "dispatch-fail",
		RuleType:             "kpi_threshold",
		Conditions:           conditionsJSON(t, "financial", "revenue", "below", 100),
		NotificationChannels: channels,
		IsActive:             true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	failDispatch := &fakeDispatcher{fail: true}
	ev2 := alert.NewEvaluator(st2, calc, failDispatch, quietLogger())
	if _, err := ev2.EvaluateKPIAlerts(context.Background(), nil); err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	rows2, err := st2.ListAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows2) != 1 {
		t.Fatalf("%d rows, want 1", len(rows2))
	}
	if rows2[0].NotificationSent {
		t.Fatal("failed dispatch marked notification_sent")
	}
}

func TestAcknowledgeAlert_Idempotent(t *testing.T) {
	st := testutil.NewTestDB(t)
	calc := fixedValues(map[string]float64{"financial/revenue": 50})
	ev := alert.NewEvaluator(st, calc, nil, quietLogger())

	createRule(t, st, "ack-rule", conditionsJSON(t, "financial", "revenue", "below", 100), 0)
	if _, err := ev.EvaluateKPIAlerts(context.Background(), nil); err != nil {
		t.Fatalf("EvaluateKPIAlerts: %v", err)
	}
	rows, err := ev.GetAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("history: %v (%d rows)", err, len(rows))
	}
	id := rows[0].ID

	ok, err := ev.AcknowledgeAlert(context.Background(), id, "alice")
	if err != nil || !ok {
		t.Fatalf("first ack: ok=%v err=%v", ok, err)
	}
	first, err := ev.GetAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	firstAckAt := first[0].AcknowledgedAt
	if firstAckAt == nil || first[0].AcknowledgedBy == nil || *first[0].AcknowledgedBy != "alice" {
		t.Fatalf("ack not recorded: %+v", first[0])
	}

	// Second acknowledgment succeeds without touching the original record.
	ok, err = ev.AcknowledgeAlert(context.Background(), id, "bob")
	if err != nil || !ok {
		t.Fatalf("second ack: ok=%v err=%v", ok, err)
	}
	second, err := ev.GetAlertHistory(context.Background(), store.ListAlertHistoryParams{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !second[0].AcknowledgedAt.Equal(*firstAckAt) {
		t.Fatal("re-acknowledgment changed acknowledged_at")
	}
	if *second[0].AcknowledgedBy != "alice" {
		t.Fatal("re-acknowledgment changed acknowledged_by")
	}

	// Unknown alert id is not idempotent success.
	ok, err = ev.AcknowledgeAlert(context.Background(), uuid.New(), "carol")
	if err != nil {
		t.Fatalf("ack unknown: %v", err)
	}
	if ok {
		t.Fatal("acknowledging a missing alert returned true")
	}
}
