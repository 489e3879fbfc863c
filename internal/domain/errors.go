package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrInvalidAmount       = errors.New("invalid amount for transaction kind")
	ErrInvalidKind         = errors.New("unknown transaction kind")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleWebhook     = errors.New("webhook timestamp outside freshness window")

	ErrMissingIdempotencyKey = errors.New("idempotency key required")

	ErrKeyConflict = errors.New("idempotency key reserved by another attempt")

	ErrLockBusy     = errors.New("account lock held")
	ErrLockTimeout  = errors.New("timed out waiting for account lock")
	ErrNotLockOwner = errors.New("lock token does not match current holder")

	ErrStoreUnavailable = errors.New("store unavailable")

	ErrSessionExpired  = errors.New("checkout session expired")
	ErrSessionMismatch = errors.New("checkout session does not match account")
	ErrInvalidPayload  = errors.New("invalid checkout payload")
)

// Transient reports whether the caller should retry with backoff rather
// than treat the failure as terminal.
func Transient(err error) bool {
	return errors.Is(err, ErrKeyConflict) ||
		errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStoreUnavailable)
}
