package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	TransactionKindTopup      TransactionKind = "topup"
	TransactionKindUsage      TransactionKind = "usage"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

// AmountScale is the number of fractional digits every ledger amount is
// quantized to on ingest (banker's rounding). All arithmetic stays in this
// fixed-point domain; binary floats never touch a balance.
const AmountScale = 8

// Transaction is one immutable ledger entry. Entries are never edited or
// deleted; corrections are new entries (a refund is a negative entry
// referencing the original provider transaction).
//
// Invariant: folding an account's entries in creation order over a zero
// balance reproduces the current balance exactly.
type Transaction struct {
	ID             uuid.UUID
	AccountID      string
	Amount         decimal.Decimal // signed
	Kind           TransactionKind
	ProviderTxnID  string // optional originating provider transaction id
	IdempotencyKey string
	Description    string
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	CreatedAt      time.Time
}

// Quantize normalizes an amount to the ledger's fixed-point scale.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(AmountScale)
}

// ValidateAmount enforces the sign convention per kind: topups credit,
// usage and refund clawbacks debit, adjustments go either way.
func ValidateAmount(kind TransactionKind, amount decimal.Decimal) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	switch kind {
	case TransactionKindTopup:
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
	case TransactionKindUsage, TransactionKindRefund:
		if amount.IsPositive() {
			return ErrInvalidAmount
		}
	case TransactionKindAdjustment:
	default:
		return ErrInvalidKind
	}
	return nil
}

// AllowsOverdraft reports whether a debit of this kind may drive the
// balance negative. Usage charges never may; refund clawbacks and manual
// adjustments may leave a bounded negative float.
func AllowsOverdraft(kind TransactionKind) bool {
	return kind == TransactionKindRefund || kind == TransactionKindAdjustment
}
