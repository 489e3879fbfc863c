package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Account is a prepaid balance keyed by the external user identity.
// Accounts are created on first interaction and never hard-deleted while
// transactions reference them; policy violations soft-suspend instead.
// Balance is written exclusively through the ledger engine.
type Account struct {
	ID           string
	Balance      decimal.Decimal
	Status       AccountStatus
	Flagged      bool // marked for manual review after a refund overdraft
	CreatedAt    time.Time
	LastActiveAt time.Time
}
