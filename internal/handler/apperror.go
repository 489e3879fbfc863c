package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrInvalidRequest     = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed   = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound   = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError      = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
	ErrStoreUnavailable   = &AppError{http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Backing store is unavailable, retry later"}
	ErrTooManyRequests    = &AppError{http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests"}

	ErrInsufficientBalance = &AppError{http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "Insufficient balance"}
	ErrAccountSuspended    = &AppError{http.StatusUnprocessableEntity, "ACCOUNT_SUSPENDED", "Account is suspended"}
	ErrInvalidAmount       = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount is not valid for this operation"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Request with this idempotency key is still in flight, retry later"}

	// Signature and freshness failures share one answer so the response
	// cannot be used as a forgery oracle.
	ErrWebhookRejected = &AppError{http.StatusUnauthorized, "WEBHOOK_REJECTED", "Webhook could not be authenticated"}
	ErrQueueSaturated  = &AppError{http.StatusServiceUnavailable, "QUEUE_SATURATED", "Processing queue is full, redeliver later"}

	ErrCheckoutExpired  = &AppError{http.StatusGone, "CHECKOUT_EXPIRED", "Checkout session has expired"}
	ErrCheckoutMismatch = &AppError{http.StatusUnprocessableEntity, "CHECKOUT_MISMATCH", "Checkout session belongs to a different account"}
)
