package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliapi/ledger-engine/internal/config"
	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/redistore"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
	"github.com/reliapi/ledger-engine/internal/testutil"
)

func newLedgerServer(t *testing.T) (http.Handler, *ledger.Service) {
	t.Helper()
	client, _ := testutil.SetupRedis(t)
	svc := ledger.NewService(
		redistore.NewLedgerStore(client),
		redistore.NewIdempotencyStore(client),
		redistore.NewLockManager(client),
		ledger.Policy{
			LockTTL:         5 * time.Second,
			LockWait:        time.Second,
			ReserveLiveness: time.Minute,
			Retention:       time.Hour,
			RefundOverdraft: config.RefundOverdraftFlag,
		},
	)

	h := NewLedgerHandler(svc, ledger.DefaultRetryPolicy())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/{id}/balance", h.GetBalance)
	mux.HandleFunc("GET /v1/accounts/{id}/transactions", h.ListTransactions)
	mux.HandleFunc("POST /v1/accounts/{id}/charges", h.Charge)
	mux.HandleFunc("POST /v1/accounts/{id}/adjustments", h.Adjust)
	return mux, svc
}

func seedBalance(t *testing.T, svc *ledger.Service, accountID, amount string) {
	t.Helper()
	_, err := svc.ApplyChange(t.Context(), ledger.ChangeRequest{
		AccountID:      accountID,
		Amount:         decimal.RequireFromString(amount),
		Kind:           domain.TransactionKindTopup,
		IdempotencyKey: "seed-" + accountID,
	})
	require.NoError(t, err)
}

func doJSON(mux http.Handler, method, path, idemKey string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "response data is not an object: %s", rec.Body.String())
	return data
}

func TestGetBalanceEndpoint(t *testing.T) {
	mux, svc := newLedgerServer(t)
	seedBalance(t, svc, "alice", "12.50")

	rec := doJSON(mux, http.MethodGet, "/v1/accounts/alice/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "alice", data["account_id"])
	assert.Equal(t, "12.50", data["balance"])
	assert.Equal(t, "active", data["status"])

	// Unknown accounts read as empty, not 404.
	rec = doJSON(mux, http.MethodGet, "/v1/accounts/nobody/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", decodeData(t, rec)["balance"])
}

func TestChargeEndpoint(t *testing.T) {
	mux, svc := newLedgerServer(t)
	seedBalance(t, svc, "bob", "10.00")

	rec := doJSON(mux, http.MethodPost, "/v1/accounts/bob/charges", "charge-1", chargeRequest{Amount: "3.00"})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, "7.00", data["balance"])
	assert.Equal(t, false, data["replayed"])
	txnID := data["transaction_id"]

	// Same key replays the stored outcome without charging again.
	rec = doJSON(mux, http.MethodPost, "/v1/accounts/bob/charges", "charge-1", chargeRequest{Amount: "3.00"})
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeData(t, rec)
	assert.Equal(t, "7.00", data["balance"])
	assert.Equal(t, true, data["replayed"])
	assert.Equal(t, txnID, data["transaction_id"])
}

func TestChargeEndpointRequiresIdempotencyKey(t *testing.T) {
	mux, _ := newLedgerServer(t)

	rec := doJSON(mux, http.MethodPost, "/v1/accounts/bob/charges", "", chargeRequest{Amount: "3.00"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", resp.Error.Code)
}

func TestChargeEndpointInsufficientBalance(t *testing.T) {
	mux, svc := newLedgerServer(t)
	seedBalance(t, svc, "carol", "5.00")

	rec := doJSON(mux, http.MethodPost, "/v1/accounts/carol/charges", "charge-big", chargeRequest{Amount: "6.00"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INSUFFICIENT_BALANCE", resp.Error.Code)

	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "5.00", details["balance"])
	assert.Equal(t, "6.00", details["required"])
}

func TestChargeEndpointValidation(t *testing.T) {
	mux, _ := newLedgerServer(t)

	tests := []struct {
		name   string
		amount string
	}{
		{"empty amount", ""},
		{"not a number", "ten"},
		{"zero", "0"},
		{"negative", "-3.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(mux, http.MethodPost, "/v1/accounts/x/charges", "k", chargeRequest{Amount: tt.amount})
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAdjustmentEndpoint(t *testing.T) {
	mux, svc := newLedgerServer(t)
	seedBalance(t, svc, "dave", "10.00")

	// Operator corrections are signed and may overdraft.
	rec := doJSON(mux, http.MethodPost, "/v1/accounts/dave/adjustments", "adj-1", adjustmentRequest{Amount: "-12.00"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "-2.00", decodeData(t, rec)["balance"])
}

func TestListTransactionsEndpoint(t *testing.T) {
	mux, svc := newLedgerServer(t)
	seedBalance(t, svc, "erin", "10.00")
	for _, key := range []string{"c1", "c2", "c3"} {
		_, err := svc.ApplyChange(t.Context(), ledger.ChangeRequest{
			AccountID:      "erin",
			Amount:         decimal.RequireFromString("-1.00"),
			Kind:           domain.TransactionKindUsage,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}

	rec := doJSON(mux, http.MethodGet, "/v1/accounts/erin/transactions?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, float64(4), data["total"])
	txns, ok := data["transactions"].([]any)
	require.True(t, ok)
	require.Len(t, txns, 2)

	// Newest first.
	first, ok := txns[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "usage", first["kind"])
	assert.Equal(t, "7.00", first["balance_after"])
}
