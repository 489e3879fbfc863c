package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// applyScript is the transactional core of the Redis backend: balance
// read, overdraft check, balance write and history append happen in one
// server-side unit, so either both the balance and the entry change or
// neither does. Completed topups are additionally indexed in a
// time-scored set for the reconciliation job.
var applyScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
local bal = 0
if exists == 1 then
  if ARGV[4] == '1' and redis.call('HGET', KEYS[1], 'status') == 'suspended' then
    return {'suspended', '0'}
  end
  bal = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
end
local amount = tonumber(ARGV[1])
local after = bal + amount
if amount < 0 and after < 0 and ARGV[2] == '0' then
  return {'insufficient', tostring(bal)}
end
local txn = cjson.decode(ARGV[3])
txn['balance_before_units'] = bal
txn['balance_after_units'] = after
local encoded = cjson.encode(txn)
if exists == 0 then
  redis.call('HSET', KEYS[1], 'created_at', ARGV[5], 'status', 'active')
end
redis.call('HSET', KEYS[1], 'balance', tostring(after), 'last_active_at', ARGV[5])
redis.call('RPUSH', KEYS[2], encoded)
if txn['kind'] == 'topup' and txn['provider_txn_id'] then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[6]), encoded)
end
return {'ok', tostring(after)}
`)

const topupIndexKey = "topups"

type txnRecord struct {
	ID                 string `json:"id"`
	AccountID          string `json:"account_id"`
	AmountUnits        int64  `json:"amount_units"`
	Kind               string `json:"kind"`
	ProviderTxnID      string `json:"provider_txn_id,omitempty"`
	IdempotencyKey     string `json:"idempotency_key"`
	Description        string `json:"description,omitempty"`
	BalanceBeforeUnits int64  `json:"balance_before_units"`
	BalanceAfterUnits  int64  `json:"balance_after_units"`
	CreatedAt          string `json:"created_at"`
}

type LedgerStore struct {
	client *redis.Client
}

func NewLedgerStore(client *redis.Client) *LedgerStore {
	return &LedgerStore{client: client}
}

func accountKey(accountID string) string { return "account:" + accountID }
func txnsKey(accountID string) string    { return "txns:" + accountID }

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	fields, err := s.client.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return nil, storeErr("GetAccount", err)
	}
	if len(fields) == 0 {
		// Accounts materialize on first mutation; an unseen identity reads
		// as an empty active account.
		return &domain.Account{ID: accountID, Balance: decimal.Zero, Status: domain.AccountStatusActive}, nil
	}
	return parseAccount(accountID, fields)
}

func (s *LedgerStore) Apply(ctx context.Context, txn *domain.Transaction, allowNegative bool) (*domain.Transaction, error) {
	rec := txnRecord{
		ID:             txn.ID.String(),
		AccountID:      txn.AccountID,
		AmountUnits:    toUnits(txn.Amount),
		Kind:           string(txn.Kind),
		ProviderTxnID:  txn.ProviderTxnID,
		IdempotencyKey: txn.IdempotencyKey,
		Description:    txn.Description,
		CreatedAt:      txn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("Apply: marshal: %w", err)
	}

	rejectSuspended := "0"
	if txn.Kind == domain.TransactionKindUsage {
		rejectSuspended = "1"
	}
	negOK := "0"
	if allowNegative {
		negOK = "1"
	}

	raw, err := applyScript.Run(ctx, s.client,
		[]string{accountKey(txn.AccountID), txnsKey(txn.AccountID), topupIndexKey},
		rec.AmountUnits, negOK, string(encoded), rejectSuspended,
		txn.CreatedAt.UTC().Format(time.RFC3339Nano), txn.CreatedAt.Unix(),
	).StringSlice()
	if err != nil {
		return nil, storeErr("Apply", err)
	}

	switch raw[0] {
	case "insufficient":
		return nil, fmt.Errorf("Apply: %w", domain.ErrInsufficientBalance)
	case "suspended":
		return nil, fmt.Errorf("Apply: %w", domain.ErrAccountSuspended)
	}

	afterUnits, err := strconv.ParseInt(raw[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Apply: parse balance: %w", err)
	}

	applied := *txn
	applied.Amount = fromUnits(rec.AmountUnits)
	applied.BalanceAfter = fromUnits(afterUnits)
	applied.BalanceBefore = applied.BalanceAfter.Sub(applied.Amount)
	return &applied, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error) {
	total, err := s.client.LLen(ctx, txnsKey(accountID)).Result()
	if err != nil {
		return nil, 0, storeErr("ListTransactions", err)
	}

	// History is appended oldest-first; callers page newest-first.
	stop := total - int64(offset) - 1
	start := stop - int64(limit) + 1
	if stop < 0 {
		return nil, int(total), nil
	}
	if start < 0 {
		start = 0
	}

	raw, err := s.client.LRange(ctx, txnsKey(accountID), start, stop).Result()
	if err != nil {
		return nil, 0, storeErr("ListTransactions", err)
	}

	txns := make([]domain.Transaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t, err := decodeTxn(raw[i])
		if err != nil {
			return nil, 0, fmt.Errorf("ListTransactions: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, int(total), nil
}

// History returns the full transaction log in creation order; the
// reconciliation job and the replayability check depend on it.
func (s *LedgerStore) History(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	raw, err := s.client.LRange(ctx, txnsKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("History", err)
	}
	txns := make([]domain.Transaction, 0, len(raw))
	for _, r := range raw {
		t, err := decodeTxn(r)
		if err != nil {
			return nil, fmt.Errorf("History: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, nil
}

func (s *LedgerStore) ListTopupsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	raw, err := s.client.ZRangeByScore(ctx, topupIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, storeErr("ListTopupsBetween", err)
	}
	txns := make([]domain.Transaction, 0, len(raw))
	for _, r := range raw {
		t, err := decodeTxn(r)
		if err != nil {
			return nil, fmt.Errorf("ListTopupsBetween: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, nil
}

func (s *LedgerStore) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) error {
	if err := s.client.HSet(ctx, accountKey(accountID), "status", string(status)).Err(); err != nil {
		return storeErr("SetStatus", err)
	}
	return nil
}

func (s *LedgerStore) FlagForReview(ctx context.Context, accountID string) error {
	if err := s.client.HSet(ctx, accountKey(accountID), "review_flag", "1").Err(); err != nil {
		return storeErr("FlagForReview", err)
	}
	return nil
}

func decodeTxn(raw string) (*domain.Transaction, error) {
	var rec txnRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decodeTxn: %w", err)
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("decodeTxn: id: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("decodeTxn: created_at: %w", err)
	}
	return &domain.Transaction{
		ID:             id,
		AccountID:      rec.AccountID,
		Amount:         fromUnits(rec.AmountUnits),
		Kind:           domain.TransactionKind(rec.Kind),
		ProviderTxnID:  rec.ProviderTxnID,
		IdempotencyKey: rec.IdempotencyKey,
		Description:    rec.Description,
		BalanceBefore:  fromUnits(rec.BalanceBeforeUnits),
		BalanceAfter:   fromUnits(rec.BalanceAfterUnits),
		CreatedAt:      created,
	}, nil
}

func parseAccount(accountID string, fields map[string]string) (*domain.Account, error) {
	a := &domain.Account{ID: accountID, Status: domain.AccountStatus(fields["status"]), Balance: decimal.Zero}
	if raw, ok := fields["balance"]; ok {
		units, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parseAccount: balance: %w", err)
		}
		a.Balance = fromUnits(units)
	}
	if fields["review_flag"] == "1" {
		a.Flagged = true
	}
	if raw, ok := fields["created_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			a.CreatedAt = ts
		}
	}
	if raw, ok := fields["last_active_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			a.LastActiveAt = ts
		}
	}
	return a, nil
}
