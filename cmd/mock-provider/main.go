// mock-provider is a stand-in payment provider for local development. It
// keeps settled charges in memory, delivers signed webhooks to the API,
// and serves the transaction feed the reconciliation job consumes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/service/reconcile"
	"github.com/reliapi/ledger-engine/internal/service/webhook"
)

type provider struct {
	mu      sync.Mutex
	txns    []reconcile.ProviderTransaction
	secret  string
	apiURL  string
	client  *http.Client
	deliver bool
}

type settleRequest struct {
	AccountID      string `json:"account_id"`
	AmountUSD      string `json:"amount_usd"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Refund         bool   `json:"refund,omitempty"`
	Deliver        *bool  `json:"deliver,omitempty"` // false simulates a lost webhook
}

// settle records a charge and, unless the request says otherwise,
// delivers the corresponding signed webhook. Suppressing delivery is how
// a missed webhook gets staged for the reconciliation job to find.
func (p *provider) settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.AmountUSD == "" {
		http.Error(w, "account_id and amount_usd required", http.StatusBadRequest)
		return
	}

	txn := reconcile.ProviderTransaction{
		ID:             "ptxn_" + uuid.NewString(),
		AccountID:      req.AccountID,
		AmountUSD:      req.AmountUSD,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	p.mu.Lock()
	p.txns = append(p.txns, txn)
	p.mu.Unlock()

	deliver := p.deliver
	if req.Deliver != nil {
		deliver = *req.Deliver
	}
	if deliver {
		if err := p.sendWebhook(txn, req.Refund); err != nil {
			slog.Error("webhook delivery failed", "transaction_id", txn.ID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(txn); err != nil {
		slog.Error("failed to encode settle response", "error", err)
	}
}

func (p *provider) sendWebhook(txn reconcile.ProviderTransaction, refund bool) error {
	eventType := "transaction.completed"
	if refund {
		eventType = "transaction.refunded"
	}

	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"event_id":   "evt_" + uuid.NewString(),
		"data": map[string]any{
			"transaction_id": txn.ID,
			"amount_usd":     txn.AmountUSD,
			"custom_data": map[string]string{
				"account_id":      txn.AccountID,
				"idempotency_key": txn.IdempotencyKey,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sendWebhook: marshal: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.apiURL+"/v1/webhooks/provider", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sendWebhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Paddle-Signature", webhook.Sign(p.secret, time.Now().Unix(), body))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendWebhook: send: %w", err)
	}
	defer resp.Body.Close()

	slog.Info("webhook delivered", "transaction_id", txn.ID, "status", resp.StatusCode)
	return nil
}

// listTransactions serves the reconciliation feed over a unix-second
// window.
func (p *provider) listTransactions(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if to == 0 {
		to = time.Now().Unix()
	}

	p.mu.Lock()
	out := make([]reconcile.ProviderTransaction, 0, len(p.txns))
	for _, txn := range p.txns {
		if txn.CreatedAt.Unix() >= from && txn.CreatedAt.Unix() <= to {
			out = append(out, txn)
		}
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("failed to encode transactions", "error", err)
	}
}

func main() {
	logging.Init("mock-provider", "info", os.Getenv("APP_ENV"))

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		slog.Error("WEBHOOK_SECRET is required")
		os.Exit(1)
	}
	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://api:8080"
	}

	p := &provider{
		secret:  secret,
		apiURL:  apiURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		deliver: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("POST /transactions", p.settle)
	mux.HandleFunc("GET /transactions", p.listTransactions)

	slog.Info("mock provider started", "addr", ":8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
