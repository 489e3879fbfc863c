package handler

import (
	"encoding/json"
	"net/http"

	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/service/checkout"
)

type CheckoutHandler struct {
	svc *checkout.Service
}

func NewCheckoutHandler(svc *checkout.Service) *CheckoutHandler {
	return &CheckoutHandler{svc: svc}
}

type createInvoiceRequest struct {
	AccountID string `json:"account_id"`
	Stars     int64  `json:"stars"`
}

func (p createInvoiceRequest) validate() []FieldError {
	var errs []FieldError
	if p.AccountID == "" {
		errs = append(errs, FieldError{Field: "account_id", Message: "required"})
	}
	if p.Stars <= 0 {
		errs = append(errs, FieldError{Field: "stars", Message: "must be greater than zero"})
	}
	return errs
}

func (h *CheckoutHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var payload createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := payload.validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	invoice, err := h.svc.CreateInvoice(r.Context(), payload.AccountID, payload.Stars)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, invoice)
}

type preCheckoutRequest struct {
	AccountID string `json:"account_id"`
	Payload   string `json:"payload"`
}

func (h *CheckoutHandler) PreCheckout(w http.ResponseWriter, r *http.Request) {
	var payload preCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if err := h.svc.PreCheckout(r.Context(), payload.AccountID, payload.Payload); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

type confirmRequest struct {
	AccountID string `json:"account_id"`
	Payload   string `json:"payload"`
	ChargeID  string `json:"charge_id"`
	Stars     int64  `json:"stars"`
}

func (p confirmRequest) validate() []FieldError {
	var errs []FieldError
	if p.AccountID == "" {
		errs = append(errs, FieldError{Field: "account_id", Message: "required"})
	}
	if p.ChargeID == "" {
		errs = append(errs, FieldError{Field: "charge_id", Message: "required"})
	}
	if p.Stars <= 0 {
		errs = append(errs, FieldError{Field: "stars", Message: "must be greater than zero"})
	}
	return errs
}

func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var payload confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := payload.validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	result, err := h.svc.Confirm(r.Context(), payload.AccountID, payload.Payload, payload.ChargeID, payload.Stars)
	if err != nil {
		log.Warn("checkout confirmation failed", "charge_id", payload.ChargeID, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, chargeResponse{
		TransactionID: result.TransactionID,
		Balance:       result.NewBalance.StringFixed(2),
		Replayed:      result.Replayed,
	})
}
