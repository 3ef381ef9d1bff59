// ABOUTME: Tests for the dispatcher's channel switching and failure capture,
// ABOUTME: and for email subject/body rendering.
package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServiceSend_UnknownChannel(t *testing.T) {
	s := NewService(SmtpConfig{}, http.DefaultClient, nil)
	res := s.Send(context.Background(), ChannelConfig{Type: "pager"}, AlertPayload{})
	if res.Success {
		t.Fatal("unknown channel reported success")
	}
	if !strings.Contains(res.Error, "pager") {
		t.Fatalf("error does not name the channel: %q", res.Error)
	}
}

func TestServiceSend_WebhookFailureInResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(SmtpConfig{}, srv.Client(), nil)
	res := s.Send(context.Background(),
		ChannelConfig{Type: ChannelWebhook, URL: srv.URL}, AlertPayload{AlertID: "a-1"})
	if res.Success {
		t.Fatal("failed webhook reported success")
	}
	if res.Error == "" {
		t.Fatal("failure carried no error text")
	}
}

func TestServiceSend_NilClientDoesNotPanic(t *testing.T) {
	s := NewService(SmtpConfig{}, nil, nil)
	res := s.Send(context.Background(),
		ChannelConfig{Type: ChannelWebhook, URL: "http://example.invalid"}, AlertPayload{})
	if res.Success {
		t.Fatal("expected failure with nil client")
	}
}

func TestRenderEmail(t *testing.T) {
	p := AlertPayload{
		AlertID:        "a-1",
		RuleName:       "Revenue drop",
		Severity:       "critical",
		Message:        "revenue is 900.00, below threshold 1000.00",
		TriggeredValue: 900,
		KPIType:        "financial",
		KPIName:        "revenue",
		ThresholdType:  "below",
		ThresholdValue: 1000,
		TriggeredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	subject, body := RenderEmail(p)
	if subject != "[CRITICAL] Revenue drop" {
		t.Fatalf("unexpected subject %q", subject)
	}
	for _, want := range []string{"revenue is 900.00", "financial/revenue", "below 1000.00", "a-1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}

	p.Escalation = true
	subject, body = RenderEmail(p)
	if !strings.HasPrefix(subject, "[ESCALATION] ") {
		t.Fatalf("escalation subject missing tag: %q", subject)
	}
	if !strings.Contains(body, "[ESCALATION]") {
		t.Fatal("escalation body missing tag")
	}
}
