// ABOUTME: Outbound webhook delivery: HMAC signing, safeurl client, response body discard.
// ABOUTME: WebhookSend is a pure function; the http.Client is injected (constructed once at startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WebhookConfig holds the delivery-time view of a webhook channel config.
type WebhookConfig struct {
	URL           string
	SigningSecret string
	CustomHeaders map[string]string // applied after denylist filtering
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                 true,
	"content-type":         true,
	"content-length":       true,
	"transfer-encoding":    true,
	"connection":           true,
	"x-bizpulse-timestamp": true,
	"x-bizpulse-signature": true,
}

// WebhookSend posts the JSON-encoded payload to the webhook URL, signs with
// HMAC-SHA256, and discards the response body. Any non-2xx status is an error.
func WebhookSend(ctx context.Context, client *http.Client, cfg WebhookConfig, payload AlertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Apply custom headers, skipping denied keys.
	for k, v := range cfg.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	// HMAC-SHA256 over "timestamp.body" with the channel's signing secret.
	if cfg.SigningSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(cfg.SigningSecret))
		mac.Write([]byte(ts + "." + string(body)))
		req.Header.Set("X-BizPulse-Timestamp", ts)
		req.Header.Set("X-BizPulse-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced architecturally by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
