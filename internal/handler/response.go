package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/reliapi/ledger-engine/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrInsufficientBalance):
		appErr = ErrInsufficientBalance
	case errors.Is(err, domain.ErrAccountSuspended):
		appErr = ErrAccountSuspended
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidKind):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		appErr = ErrMissingIdempotencyKey
	case errors.Is(err, domain.ErrKeyConflict), errors.Is(err, domain.ErrLockBusy), errors.Is(err, domain.ErrLockTimeout):
		appErr = ErrIdempotencyConflict
	case errors.Is(err, domain.ErrInvalidPayload):
		appErr = ErrInvalidRequest
	case errors.Is(err, domain.ErrSessionExpired):
		appErr = ErrCheckoutExpired
	case errors.Is(err, domain.ErrSessionMismatch):
		appErr = ErrCheckoutMismatch
	case errors.Is(err, domain.ErrStoreUnavailable):
		appErr = ErrStoreUnavailable
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, nil)
}
