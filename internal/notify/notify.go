// ABOUTME: Notification dispatcher contract and the channel-switching
// ABOUTME: implementation. Send never raises: all failures surface in Result.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Channel types accepted in a rule's notification_channels config.
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// ChannelConfig is one entry of a rule's notification_channels array.
type ChannelConfig struct {
	Type          string            `json:"type"`
	Recipients    []string          `json:"recipients,omitempty"`     // email
	URL           string            `json:"url,omitempty"`            // webhook
	SigningSecret string            `json:"signing_secret,omitempty"` // webhook
	CustomHeaders map[string]string `json:"custom_headers,omitempty"` // webhook
}

// AlertPayload is the rendered content delivered to a channel.
type AlertPayload struct {
	AlertID        string    `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	TriggeredValue float64   `json:"triggered_value"`
	KPIType        string    `json:"kpi_type,omitempty"`
	KPIName        string    `json:"kpi_name,omitempty"`
	ThresholdType  string    `json:"threshold_type,omitempty"`
	ThresholdValue float64   `json:"threshold_value"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Escalation     bool      `json:"escalation"`
}

// Result reports a dispatch outcome. Delivery failures live here, never in a
// returned error or panic, so evaluation and escalation can log and continue.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher delivers an alert payload to one configured channel.
type Dispatcher interface {
	Send(ctx context.Context, ch ChannelConfig, payload AlertPayload) Result
}

// Service is the production Dispatcher: email via SMTP, webhooks via the
// SSRF-safe client constructed at startup.
type Service struct {
	smtp   SmtpConfig
	client *http.Client
	log    *slog.Logger
}

// NewService creates a Service. client should be the safeurl-wrapped client
// from BuildSafeClient.
func NewService(smtp SmtpConfig, client *http.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{smtp: smtp, client: client, log: log}
}

// Send dispatches payload to ch. Never panics; all failures are in Result.
func (s *Service) Send(ctx context.Context, ch ChannelConfig, payload AlertPayload) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Error: fmt.Sprintf("dispatch panic: %v", p)}
			s.log.Error("notification dispatch panicked",
				"channel_type", ch.Type, "alert_id", payload.AlertID, "panic", p)
		}
	}()

	switch ch.Type {
	case ChannelEmail:
		subject, body := RenderEmail(payload)
		if err := EmailSend(ctx, s.smtp, ch.Recipients, subject, body); err != nil {
			return Result{Error: err.Error()}
		}
		return Result{Success: true}
	case ChannelWebhook:
		if err := WebhookSend(ctx, s.client, WebhookConfig{
			URL:           ch.URL,
			SigningSecret: ch.SigningSecret,
			CustomHeaders: ch.CustomHeaders,
		}, payload); err != nil {
			return Result{Error: err.Error()}
		}
		return Result{Success: true}
	default:
		return Result{Error: fmt.Sprintf("unknown channel type %q", ch.Type)}
	}
}
