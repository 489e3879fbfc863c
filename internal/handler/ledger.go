package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
)

type LedgerHandler struct {
	svc   *ledger.Service
	retry ledger.RetryPolicy
}

func NewLedgerHandler(svc *ledger.Service, retry ledger.RetryPolicy) *LedgerHandler {
	return &LedgerHandler{svc: svc, retry: retry}
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Status    string `json:"status"`
	Flagged   bool   `json:"flagged,omitempty"`
}

func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "required"}})
		return
	}

	account, err := h.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, balanceResponse{
		AccountID: account.ID,
		Balance:   account.Balance.StringFixed(2),
		Status:    string(account.Status),
		Flagged:   account.Flagged,
	})
}

type transactionResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Amount        string `json:"amount"`
	BalanceAfter  string `json:"balance_after"`
	ProviderTxnID string `json:"provider_txn_id,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "required"}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txns, total, err := h.svc.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, transactionResponse{
			ID:            t.ID.String(),
			Kind:          string(t.Kind),
			Amount:        t.Amount.StringFixed(2),
			BalanceAfter:  t.BalanceAfter.StringFixed(2),
			ProviderTxnID: t.ProviderTxnID,
			Description:   t.Description,
			CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"transactions": out,
		"total":        total,
	})
}

type chargeRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

func (p chargeRequest) validate() ([]FieldError, decimal.Decimal) {
	var errs []FieldError

	amount, err := decimal.NewFromString(p.Amount)
	switch {
	case p.Amount == "":
		errs = append(errs, FieldError{Field: "amount", Message: "required"})
	case err != nil:
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal string"})
	case !amount.IsPositive():
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than zero"})
	}

	return errs, amount
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       string `json:"balance"`
	Replayed      bool   `json:"replayed"`
}

// Charge debits usage from an account. The caller states the amount as a
// positive decimal; the ledger records it as a negative usage entry.
func (h *LedgerHandler) Charge(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	accountID := r.PathValue("id")
	if accountID == "" {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "required"}})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		RespondAppError(w, ErrMissingIdempotencyKey, nil)
		return
	}

	var payload chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	fields, amount := payload.validate()
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	result, err := h.svc.ApplyChangeWithRetry(r.Context(), ledger.ChangeRequest{
		AccountID:      accountID,
		Amount:         amount.Neg(),
		Kind:           domain.TransactionKindUsage,
		Description:    payload.Description,
		IdempotencyKey: key,
	}, h.retry)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) && result != nil {
			RespondAppError(w, ErrInsufficientBalance, map[string]string{
				"balance":  result.NewBalance.StringFixed(2),
				"required": amount.StringFixed(2),
			})
			return
		}
		RespondDomainError(w, err)
		return
	}

	log.Info("usage charged",
		"account_id", accountID,
		"amount", amount.String(),
		"transaction_id", result.TransactionID,
		"replayed", result.Replayed,
	)
	RespondSuccess(w, http.StatusOK, chargeResponse{
		TransactionID: result.TransactionID,
		Balance:       result.NewBalance.StringFixed(2),
		Replayed:      result.Replayed,
	})
}

type adjustmentRequest struct {
	Amount      string `json:"amount"` // signed
	Description string `json:"description,omitempty"`
}

// Adjust applies a signed operator correction. Unlike usage it may push
// the balance negative.
func (h *LedgerHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "required"}})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		RespondAppError(w, ErrMissingIdempotencyKey, nil)
		return
	}

	var payload adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil || amount.IsZero() {
		RespondValidationError(w, []FieldError{{Field: "amount", Message: "must be a non-zero decimal string"}})
		return
	}

	result, err := h.svc.ApplyChangeWithRetry(r.Context(), ledger.ChangeRequest{
		AccountID:      accountID,
		Amount:         amount,
		Kind:           domain.TransactionKindAdjustment,
		Description:    payload.Description,
		IdempotencyKey: key,
	}, h.retry)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, chargeResponse{
		TransactionID: result.TransactionID,
		Balance:       result.NewBalance.StringFixed(2),
		Replayed:      result.Replayed,
	})
}
