package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliapi/ledger-engine/internal/redistore"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
	"github.com/reliapi/ledger-engine/internal/service/webhook"
	"github.com/reliapi/ledger-engine/internal/testutil"
)

const testSecret = "whsec_handler_test"

type stubEngine struct{}

func (stubEngine) ApplyChangeWithRetry(ctx context.Context, req ledger.ChangeRequest, _ ledger.RetryPolicy) (*ledger.ChangeResult, error) {
	return &ledger.ChangeResult{TransactionID: "txn-1", NewBalance: decimal.Zero}, nil
}

func newWebhookServer(t *testing.T) *WebhookHandler {
	t.Helper()
	client, _ := testutil.SetupRedis(t)
	pipeline := webhook.NewPipeline(
		webhook.NewVerifier(testSecret, 300*time.Second),
		redistore.NewReceiptStore(client),
		stubEngine{},
		slog.Default(),
		webhook.Config{Provider: "paddle", QueueSize: 8, Workers: 1},
	)
	return NewWebhookHandler(pipeline)
}

func providerBody(t *testing.T, eventID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_type": "transaction.completed",
		"event_id":   eventID,
		"data": map[string]any{
			"transaction_id": "ptxn_1",
			"amount_usd":     "10.00",
			"custom_data":    map[string]string{"account_id": "alice"},
		},
	})
	require.NoError(t, err)
	return body
}

func postWebhook(h *WebhookHandler, signature string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/provider", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ReceiveProviderWebhook(rec, req)
	return rec
}

func TestWebhookEndpointAcceptsSignedDelivery(t *testing.T) {
	h := newWebhookServer(t)
	body := providerBody(t, "evt_1")

	rec := postWebhook(h, webhook.Sign(testSecret, time.Now().Unix(), body), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestWebhookEndpointRejectsUnauthenticated(t *testing.T) {
	h := newWebhookServer(t)
	body := providerBody(t, "evt_2")

	tests := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong secret", webhook.Sign("wrong", time.Now().Unix(), body)},
		{"stale timestamp", webhook.Sign(testSecret, time.Now().Add(-10*time.Minute).Unix(), body)},
		{"malformed header", "ts=;h1="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(h, tt.signature, body)
			// One undifferentiated 401 for every authentication failure.
			require.Equal(t, http.StatusUnauthorized, rec.Code)

			var resp APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, "WEBHOOK_REJECTED", resp.Error.Code)
		})
	}
}

func TestWebhookEndpointRejectsBadPayload(t *testing.T) {
	h := newWebhookServer(t)
	body := []byte(`{"event_type":"transaction.completed"}`)

	rec := postWebhook(h, webhook.Sign(testSecret, time.Now().Unix(), body), body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpointReportsSaturation(t *testing.T) {
	h := newWebhookServer(t)

	// No worker is draining the queue in this test, so the ninth distinct
	// event overflows the eight-slot buffer.
	for i := range 8 {
		body := providerBody(t, "evt_fill_"+string(rune('a'+i)))
		rec := postWebhook(h, webhook.Sign(testSecret, time.Now().Unix(), body), body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	body := providerBody(t, "evt_overflow")
	rec := postWebhook(h, webhook.Sign(testSecret, time.Now().Unix(), body), body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "QUEUE_SATURATED", resp.Error.Code)
}
