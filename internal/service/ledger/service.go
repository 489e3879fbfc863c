package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/config"
	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/metrics"
	"github.com/reliapi/ledger-engine/internal/repository"
)

// Policy carries the engine's tunables; all of them come from config.
type Policy struct {
	LockTTL         time.Duration
	LockWait        time.Duration
	ReserveLiveness time.Duration
	Retention       time.Duration
	RefundOverdraft config.RefundOverdraftAction
}

type ChangeRequest struct {
	AccountID      string
	Amount         decimal.Decimal // signed
	Kind           domain.TransactionKind
	ProviderTxnID  string
	Description    string
	IdempotencyKey string
}

type ChangeResult struct {
	TransactionID string
	NewBalance    decimal.Decimal
	Replayed      bool
}

// Service is the only path through which balances change. It composes the
// idempotency store, the per-account lock and the ledger store into an
// exactly-once mutation: of any number of concurrent or redelivered
// attempts sharing an idempotency key, one mutates and all observe the
// same result.
type Service struct {
	store  repository.LedgerStore
	idem   repository.IdempotencyStore
	locks  repository.LockManager
	policy Policy
}

func NewService(store repository.LedgerStore, idem repository.IdempotencyStore, locks repository.LockManager, policy Policy) *Service {
	return &Service{store: store, idem: idem, locks: locks, policy: policy}
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*domain.Account, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("GetBalance: %w", err)
	}
	return a, nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	txns, total, err := s.store.ListTransactions(ctx, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", err)
	}
	return txns, total, nil
}

// ApplyChange applies a signed amount to an account exactly once per
// idempotency key.
//
// The sequence is: reserve the key, take the account lock, run the atomic
// balance-write-plus-history-append, resolve the key with the outcome,
// release the lock, emit audit. A reservation that cannot proceed is
// aborted so the caller's retry does not have to wait out the liveness
// window; a crash between reserve and resolve leaves the key reclaimable
// after that window.
func (s *Service) ApplyChange(ctx context.Context, req ChangeRequest) (*ChangeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("ApplyChange: %w", domain.ErrMissingIdempotencyKey)
	}
	amount := domain.Quantize(req.Amount)
	if err := domain.ValidateAmount(req.Kind, amount); err != nil {
		return nil, fmt.Errorf("ApplyChange: %w", err)
	}

	reservation, err := s.idem.Reserve(ctx, req.IdempotencyKey, s.policy.ReserveLiveness)
	if err != nil {
		return nil, fmt.Errorf("ApplyChange: %w", err)
	}

	switch reservation.State {
	case repository.ReserveInFlight:
		return nil, fmt.Errorf("ApplyChange: %w", domain.ErrKeyConflict)
	case repository.ReserveResolved:
		return s.replay(ctx, reservation.Stored)
	}

	result, err := s.applyReserved(ctx, req, amount, reservation.Token)
	if err != nil {
		return result, fmt.Errorf("ApplyChange: %w", err)
	}
	return result, nil
}

// applyReserved runs the critical section; the caller holds a fresh
// reservation identified by token.
func (s *Service) applyReserved(ctx context.Context, req ChangeRequest, amount decimal.Decimal, token string) (*ChangeResult, error) {
	log := logging.FromContext(ctx)

	lockToken, err := s.locks.Acquire(ctx, "account:"+req.AccountID, s.policy.LockTTL, s.policy.LockWait)
	if err != nil {
		metrics.LockTimeouts.Inc()
		s.abort(ctx, req.IdempotencyKey, token)
		return nil, err
	}
	defer func() {
		if err := s.locks.Release(ctx, "account:"+req.AccountID, lockToken); err != nil {
			// An expired TTL means someone else may hold the lock now;
			// fencing already prevented us from releasing theirs.
			log.Warn("account lock release failed", "account_id", req.AccountID, "error", err)
		}
	}()

	txn := &domain.Transaction{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		Amount:         amount,
		Kind:           req.Kind,
		ProviderTxnID:  req.ProviderTxnID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
	}

	applied, err := s.store.Apply(ctx, txn, domain.AllowsOverdraft(req.Kind))
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return s.resolveDenied(ctx, req, token)
	case errors.Is(err, domain.ErrAccountSuspended):
		// Suspension can be lifted; caching the denial for the whole
		// retention window would outlive it, so free the key instead.
		s.abort(ctx, req.IdempotencyKey, token)
		return nil, err
	case err != nil:
		s.abort(ctx, req.IdempotencyKey, token)
		return nil, err
	}

	rec := &repository.ChangeRecord{
		TransactionID: applied.ID.String(),
		Balance:       applied.BalanceAfter,
	}
	if err := s.idem.Resolve(ctx, req.IdempotencyKey, token, rec, s.policy.Retention); err != nil {
		// The mutation is committed; losing the marker risks a duplicate
		// on redelivery, which is worth an operator alert.
		log.Error("idempotency resolve failed after mutation",
			"idempotency_key", req.IdempotencyKey,
			"transaction_id", applied.ID,
			"error", err,
		)
	}

	s.audit(ctx, applied)
	return &ChangeResult{TransactionID: applied.ID.String(), NewBalance: applied.BalanceAfter}, nil
}

// resolveDenied stores the insufficient-balance outcome under the key so
// every replay answers identically without touching the ledger.
func (s *Service) resolveDenied(ctx context.Context, req ChangeRequest, token string) (*ChangeResult, error) {
	log := logging.FromContext(ctx)
	metrics.ChargesDenied.Inc()

	account, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		s.abort(ctx, req.IdempotencyKey, token)
		return nil, err
	}

	rec := &repository.ChangeRecord{Balance: account.Balance, Failure: repository.FailureInsufficientBalance}
	if err := s.idem.Resolve(ctx, req.IdempotencyKey, token, rec, s.policy.Retention); err != nil {
		log.Warn("failed to store denial result", "idempotency_key", req.IdempotencyKey, "error", err)
	}

	return &ChangeResult{NewBalance: account.Balance}, domain.ErrInsufficientBalance
}

func (s *Service) replay(ctx context.Context, stored *repository.ChangeRecord) (*ChangeResult, error) {
	metrics.IdempotentReplays.Inc()
	result := &ChangeResult{
		TransactionID: stored.TransactionID,
		NewBalance:    stored.Balance,
		Replayed:      true,
	}
	if stored.Failure == repository.FailureInsufficientBalance {
		return result, fmt.Errorf("ApplyChange: replayed: %w", domain.ErrInsufficientBalance)
	}
	return result, nil
}

func (s *Service) abort(ctx context.Context, key, token string) {
	if err := s.idem.Abort(ctx, key, token); err != nil {
		logging.FromContext(ctx).Warn("failed to abort reservation", "idempotency_key", key, "error", err)
	}
}

// audit emits the audit event and applies the refund-overdraft policy.
// Neither may fail or block the mutation that already committed.
func (s *Service) audit(ctx context.Context, txn *domain.Transaction) {
	log := logging.FromContext(ctx)
	metrics.TransactionsApplied.WithLabelValues(string(txn.Kind)).Inc()

	log.Info("transaction applied",
		"transaction_id", txn.ID,
		"account_id", txn.AccountID,
		"kind", txn.Kind,
		"amount", txn.Amount.String(),
		"balance_before", txn.BalanceBefore.String(),
		"balance_after", txn.BalanceAfter.String(),
		"provider_txn_id", txn.ProviderTxnID,
	)

	if txn.Kind == domain.TransactionKindRefund && txn.BalanceAfter.IsNegative() {
		metrics.OverdraftsFlagged.Inc()
		log.Warn("refund clawback left negative balance",
			"account_id", txn.AccountID,
			"balance", txn.BalanceAfter.String(),
			"action", string(s.policy.RefundOverdraft),
		)
		var err error
		if s.policy.RefundOverdraft == config.RefundOverdraftSuspend {
			err = s.store.SetStatus(ctx, txn.AccountID, domain.AccountStatusSuspended)
		} else {
			err = s.store.FlagForReview(ctx, txn.AccountID)
		}
		if err != nil {
			log.Error("failed to apply overdraft policy", "account_id", txn.AccountID, "error", err)
		}
	}
}
