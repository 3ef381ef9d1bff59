// ABOUTME: Tests for outbound webhook delivery: HMAC signing, header
// ABOUTME: filtering, and status handling.
package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcroft/bizpulse/internal/notify"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func testPayload() notify.AlertPayload {
	return notify.AlertPayload{
		AlertID:        "a-1",
		RuleID:         "r-1",
		RuleName:       "Revenue drop",
		Severity:       "high",
		Message:        "revenue is 900.00, below threshold 1000.00",
		TriggeredValue: 900,
		TriggeredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSend_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-BizPulse-Timestamp")
		gotSig = r.Header.Get("X-BizPulse-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	err := notify.WebhookSend(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL:           srv.URL,
		SigningSecret: secret,
	}, testPayload())
	require.NoError(t, err)

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)

	var decoded notify.AlertPayload
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "Revenue drop", decoded.RuleName)
}

func TestWebhookSend_NoSecretNoSignature(t *testing.T) {
	var sawSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSig = r.Header.Get("X-BizPulse-Signature") != ""
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := notify.WebhookSend(context.Background(), buildTestClient(),
		notify.WebhookConfig{URL: srv.URL}, testPayload())
	require.NoError(t, err)
	assert.False(t, sawSig)
}

func TestWebhookSend_CustomHeadersFiltered(t *testing.T) {
	var gotCustom, gotHijack string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Team")
		gotHijack = r.Header.Get("X-BizPulse-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := notify.WebhookSend(context.Background(), buildTestClient(), notify.WebhookConfig{
		URL: srv.URL,
		CustomHeaders: map[string]string{
			"X-Team":               "finance",
			"X-BizPulse-Signature": "sha256=forged",
			"Content-Type":         "text/plain",
		},
	}, testPayload())
	require.NoError(t, err)
	assert.Equal(t, "finance", gotCustom)
	assert.Empty(t, gotHijack, "denied header must not pass through")
}

func TestWebhookSend_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.WebhookSend(context.Background(), buildTestClient(),
		notify.WebhookConfig{URL: srv.URL}, testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
