package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
)

const txnColumns = `id, account_id, amount, kind, provider_txn_id, idempotency_key,
	description, balance_before, balance_after, created_at`

// PGLedgerStore is the Postgres implementation of the ledger contract,
// kept interchangeable with the Redis backend. The atomic batch of
// balance write + history append is a single SQL transaction with the
// account row locked FOR UPDATE.
type PGLedgerStore struct {
	db *sql.DB
}

func NewPGLedgerStore(db *sql.DB) *PGLedgerStore {
	return &PGLedgerStore{db: db}
}

func (r *PGLedgerStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, balance, status, review_flag, created_at, last_active_at
		FROM accounts WHERE id = $1`, accountID,
	)
	a, err := scanPGAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.Account{ID: accountID, Balance: decimal.Zero, Status: domain.AccountStatusActive}, nil
		}
		return nil, fmt.Errorf("GetAccount: %w", pgErr(err))
	}
	return a, nil
}

func (r *PGLedgerStore) Apply(ctx context.Context, txn *domain.Transaction, allowNegative bool) (*domain.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Apply: begin tx: %w", pgErr(err))
	}
	defer tx.Rollback()

	now := txn.CreatedAt.UTC()
	amount := domain.Quantize(txn.Amount)

	var balance decimal.Decimal
	var status domain.AccountStatus
	err = tx.QueryRowContext(ctx,
		`SELECT balance, status FROM accounts WHERE id = $1 FOR UPDATE`, txn.AccountID,
	).Scan(&balance, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		balance, status = decimal.Zero, domain.AccountStatusActive
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, balance, status, created_at, last_active_at)
			VALUES ($1, 0, 'active', $2, $2)`, txn.AccountID, now,
		); err != nil {
			return nil, fmt.Errorf("Apply: create account: %w", pgErr(err))
		}
	case err != nil:
		return nil, fmt.Errorf("Apply: %w", pgErr(err))
	}

	if txn.Kind == domain.TransactionKindUsage && status == domain.AccountStatusSuspended {
		return nil, fmt.Errorf("Apply: %w", domain.ErrAccountSuspended)
	}

	after := balance.Add(amount)
	if amount.IsNegative() && after.IsNegative() && !allowNegative {
		return nil, fmt.Errorf("Apply: %w", domain.ErrInsufficientBalance)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, last_active_at = $2 WHERE id = $3`,
		after, now, txn.AccountID,
	); err != nil {
		return nil, fmt.Errorf("Apply: update balance: %w", pgErr(err))
	}

	applied := *txn
	applied.Amount = amount
	applied.BalanceBefore = balance
	applied.BalanceAfter = after

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		applied.ID, applied.AccountID, applied.Amount, applied.Kind,
		nullable(applied.ProviderTxnID), applied.IdempotencyKey,
		nullable(applied.Description), applied.BalanceBefore, applied.BalanceAfter, now,
	); err != nil {
		if isUniqueViolation(err) {
			// The unique index on idempotency_key is the last line of
			// defense; the idempotency store should have caught this.
			return nil, fmt.Errorf("Apply: %w", domain.ErrKeyConflict)
		}
		return nil, fmt.Errorf("Apply: insert transaction: %w", pgErr(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Apply: commit: %w", pgErr(err))
	}
	return &applied, nil
}

func (r *PGLedgerStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: count: %w", pgErr(err))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", pgErr(err))
	}
	defer rows.Close()

	txns, err := collectTxns(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", err)
	}
	return txns, total, nil
}

func (r *PGLedgerStore) ListTopupsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE kind = 'topup' AND provider_txn_id IS NOT NULL
		AND created_at >= $1 AND created_at <= $2
		ORDER BY created_at`, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("ListTopupsBetween: %w", pgErr(err))
	}
	defer rows.Close()

	txns, err := collectTxns(rows)
	if err != nil {
		return nil, fmt.Errorf("ListTopupsBetween: %w", err)
	}
	return txns, nil
}

func (r *PGLedgerStore) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $1 WHERE id = $2`, status, accountID,
	); err != nil {
		return fmt.Errorf("SetStatus: %w", pgErr(err))
	}
	return nil
}

func (r *PGLedgerStore) FlagForReview(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET review_flag = TRUE WHERE id = $1`, accountID,
	); err != nil {
		return fmt.Errorf("FlagForReview: %w", pgErr(err))
	}
	return nil
}

func collectTxns(rows *sql.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", pgErr(err))
	}
	return txns, nil
}

func scanTxn(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var providerTxnID, description sql.NullString
	err := s.Scan(
		&t.ID, &t.AccountID, &t.Amount, &t.Kind, &providerTxnID, &t.IdempotencyKey,
		&description, &t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ProviderTxnID = providerTxnID.String
	t.Description = description.String
	return &t, nil
}

func scanPGAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	err := s.Scan(&a.ID, &a.Balance, &a.Status, &a.Flagged, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// pgErr folds driver-level failures into the transient store error so the
// retry policy can see them; domain sentinels pass through untouched.
func pgErr(err error) error {
	if domain.Transient(err) || errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, domain.ErrAccountSuspended) {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrStoreUnavailable, err)
}
