// ABOUTME: Integration tests for alert HTTP handlers.
// ABOUTME: Uses real Postgres via testutil.NewTestDB and the full srv.Handler() stack.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/cache"
	"github.com/jcroft/bizpulse/internal/config"
	"github.com/jcroft/bizpulse/internal/kpi"
	"github.com/jcroft/bizpulse/internal/store"
	"github.com/jcroft/bizpulse/internal/testutil"
)

// ── Test server setup ─────────────────────────────────────────────────────────

// newTestServer builds the full handler stack over db with a static KPI
// registry (financial/revenue = 50) and no notification dispatcher.
func newTestServer(t *testing.T, db *store.Store) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	c, err := cache.New(cache.NewMemoryStore(), cache.DefaultTTLPolicy(), cache.WithLogger(log))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	registry := kpi.NewRegistry()
	registry.Register("financial", "revenue", func(_ context.Context, _, _ string, _ *kpi.TimeRange) (float64, error) {
		return 50, nil
	})

	inv := cache.NewInvalidator(c, func(ctx context.Context, kpiType, kpiName string) (any, error) {
		return registry.Compute(ctx, kpiType, kpiName, nil)
	}, log)

	evaluator := alert.NewEvaluator(db, registry, nil, log)
	escalator := alert.NewEscalator(db, nil, nil, log)
	tasks := alert.NewTasks(evaluator, escalator, log)

	cfg := &config.Config{EvaluateNowPerMinute: 6}
	srv := NewServer(db, cfg, c, inv, tasks, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// ── HTTP helper functions ─────────────────────────────────────────────────────

func doJSON(t *testing.T, ctx context.Context, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("{}")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequestWithContext(ctx, method, ts.URL+path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

const validRuleBody = `{
	"rule_name": "Revenue floor",
	"conditions": {"kpi_type":"financial","kpi_name":"revenue","threshold_type":"below","threshold_value":100},
	"severity": "high",
	"cooldown_minutes": 0
}`

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestAlertRuleCRUD(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	ts := newTestServer(t, db)

	// Create.
	resp := doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alert-rules", validRuleBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: got %d, want 200", resp.StatusCode)
	}
	created := decode[AlertRuleEntry](t, resp)
	if created.ID == "" {
		t.Fatal("created rule has empty ID")
	}
	if created.RuleName != "Revenue floor" || created.Severity != "high" || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	// Get.
	resp = doJSON(t, ctx, ts, http.MethodGet, "/api/v1/alert-rules/"+created.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got %d, want 200", resp.StatusCode)
	}
	got := decode[AlertRuleEntry](t, resp)
	if got.ID != created.ID {
		t.Errorf("get returned %s, want %s", got.ID, created.ID)
	}

	// Disable, then confirm active_only filtering.
	resp = doJSON(t, ctx, ts, http.MethodPatch, "/api/v1/alert-rules/"+created.ID, `{"is_active": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: got %d, want 200", resp.StatusCode)
	}
	patched := decode[AlertRuleEntry](t, resp)
	if patched.IsActive {
		t.Error("rule still active after disable")
	}
	resp = doJSON(t, ctx, ts, http.MethodGet, "/api/v1/alert-rules?active_only=true", "")
	list := decode[struct {
		Items []AlertRuleEntry `json:"items"`
	}](t, resp)
	if len(list.Items) != 0 {
		t.Errorf("active_only returned %d rules, want 0", len(list.Items))
	}

	// Delete, then 404 on get.
	resp = doJSON(t, ctx, ts, http.MethodDelete, "/api/v1/alert-rules/"+created.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d, want 200", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck
	resp = doJSON(t, ctx, ts, http.MethodGet, "/api/v1/alert-rules/"+created.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck
}

func TestCreateAlertRule_RejectsBadConditions(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	ts := newTestServer(t, db)

	bad := `{
		"rule_name": "Broken",
		"conditions": {"kpi_type":"financial","kpi_name":"revenue","threshold_type":"sideways","threshold_value":100}
	}`
	resp := doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alert-rules", bad)
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.StatusCode)
	}
}

func TestEvaluateEndpoint_TriggersAndReports(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	ts := newTestServer(t, db)

	resp := doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alert-rules", validRuleBody)
	rule := decode[AlertRuleEntry](t, resp)

	resp = doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alerts/evaluate", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate: got %d, want 200", resp.StatusCode)
	}
	res := decode[alert.Result](t, resp)
	if res.Evaluated != 1 || res.Triggered != 1 {
		t.Fatalf("evaluate result %+v", res)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].RuleID != rule.ID {
		t.Fatalf("evaluate response alert summaries %+v", res.Alerts)
	}

	// The trigger shows up in history and the summary.
	resp = doJSON(t, ctx, ts, http.MethodGet, "/api/v1/alerts/history?rule_id="+rule.ID, "")
	history := decode[struct {
		Items []AlertHistoryEntry `json:"items"`
	}](t, resp)
	if len(history.Items) != 1 {
		t.Fatalf("%d history items, want 1", len(history.Items))
	}
	alertID := history.Items[0].ID

	resp = doJSON(t, ctx, ts, http.MethodGet, "/api/v1/alerts/summary?hours=1", "")
	summary := decode[struct {
		Total          int64            `json:"total"`
		Unacknowledged int64            `json:"unacknowledged"`
		BySeverity     map[string]int64 `json:"by_severity"`
	}](t, resp)
	if summary.Total != 1 || summary.Unacknowledged != 1 || summary.BySeverity["high"] != 1 {
		t.Fatalf("summary %+v", summary)
	}

	// Acknowledge via the API; unknown IDs 404.
	resp = doJSON(t, ctx, ts, http.MethodPost,
		fmt.Sprintf("/api/v1/alerts/%s/acknowledge", alertID), `{"acknowledged_by":"alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge: got %d, want 200", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck
	resp = doJSON(t, ctx, ts, http.MethodPost,
		"/api/v1/alerts/00000000-0000-0000-0000-000000000001/acknowledge", `{"acknowledged_by":"alice"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("acknowledge missing: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck
}

func TestEvaluateEndpoint_RateLimited(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	ts := newTestServer(t, db)

	// Burst is 1: the first call passes, an immediate second is rejected.
	resp := doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alerts/evaluate", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first evaluate: got %d, want 200", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck

	resp = doJSON(t, ctx, ts, http.MethodPost, "/api/v1/alerts/evaluate", "{}")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second evaluate: got %d, want 429", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	ts := newTestServer(t, db)

	resp := doJSON(t, ctx, ts, http.MethodGet, "/healthz", "")
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: got %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	body := decode[struct {
		Status string `json:"status"`
	}](t, resp)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}
