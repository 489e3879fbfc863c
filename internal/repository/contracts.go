package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// The engine talks to storage only through these interfaces; the backing
// technology (Redis or Postgres) is an implementation detail. No interface
// exposes a read-modify-write pair: every mutation primitive is atomic on
// its own.

// ReserveState is the outcome of an idempotency reservation attempt.
type ReserveState int

const (
	// ReserveNew: this caller holds the reservation and must proceed.
	ReserveNew ReserveState = iota
	// ReserveInFlight: another attempt holds the key and has not resolved.
	ReserveInFlight
	// ReserveResolved: a terminal result is stored and must be replayed.
	ReserveResolved
)

// ChangeRecord is the terminal result stored under an idempotency key:
// either the applied transaction, or a typed failure name.
type ChangeRecord struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Failure       string          `json:"failure,omitempty"`
}

// FailureInsufficientBalance is the only terminal failure a mutation can
// resolve to; replays surface it again without touching the ledger.
const FailureInsufficientBalance = "insufficient_balance"

type Reservation struct {
	State  ReserveState
	Token  string        // set when State == ReserveNew
	Stored *ChangeRecord // set when State == ReserveResolved
}

// IdempotencyStore records "operation X was already applied, here is its
// result". Reserve is a single atomic check-and-set: of any number of
// concurrent callers with one key, exactly one observes ReserveNew.
// Reservations not resolved within the liveness window are reclaimable, so
// a crash mid-mutation cannot wedge the key forever.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, liveness time.Duration) (*Reservation, error)
	Resolve(ctx context.Context, key, token string, rec *ChangeRecord, retention time.Duration) error
	// Abort releases an unresolved reservation so the next attempt does not
	// have to wait out the liveness window. Only the holder's token works.
	Abort(ctx context.Context, key, token string) error
}

// LockManager is the per-account advisory mutex. Acquire blocks up to wait
// and returns a fencing token; Release refuses tokens that no longer match
// the current holder.
type LockManager interface {
	Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (string, error)
	Release(ctx context.Context, resource, token string) error
}

// LedgerStore holds balances and the append-only transaction history.
// Apply writes the new balance and appends the entry as one atomic batch,
// filling BalanceBefore/BalanceAfter; it rejects debits past zero unless
// allowNegative is set. Callers serialize per-account via the LockManager.
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	Apply(ctx context.Context, txn *domain.Transaction, allowNegative bool) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error)
	ListTopupsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
	SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error
	FlagForReview(ctx context.Context, accountID string) error
}

// ReceiptStore deduplicates provider deliveries by (provider, event id).
type ReceiptStore interface {
	Get(ctx context.Context, provider, eventID string) (*domain.WebhookReceipt, error)
	Put(ctx context.Context, receipt *domain.WebhookReceipt, retention time.Duration) error
}

// RateDecision is an admission-control verdict, never a ledger error.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a sliding-window counter per scope key. Check counts and
// increments in one atomic operation so two concurrent requests cannot
// both slip under the limit.
type RateLimiter interface {
	Check(ctx context.Context, scope string, limit int, window time.Duration) (*RateDecision, error)
}

// SessionStore holds short-lived checkout sessions for in-chat payments.
type SessionStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error) // domain.ErrSessionExpired when absent
	Delete(ctx context.Context, key string) error
}
