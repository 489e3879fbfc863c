package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/repository"
)

// reserveScript is a single check-and-set: exactly one of any number of
// concurrent callers creates the pending marker. The marker carries the
// liveness TTL, so an attempt that crashes before resolving simply expires
// and the key becomes reservable again.
var reserveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  return {'exists', v}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {'new'}
`)

// resolveScript upgrades a pending marker to a terminal record. A missing
// marker is tolerated: if our liveness window lapsed after the mutation
// was applied, storing the result is still the correct thing to do. A
// marker owned by a different token means the key was reclaimed; the
// reclaimer's outcome wins.
var resolveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local cur = cjson.decode(v)
  if cur['state'] ~= 'pending' or cur['token'] ~= ARGV[1] then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var abortScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local cur = cjson.decode(v)
if cur['state'] == 'pending' and cur['token'] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

type idemEntry struct {
	State  string                    `json:"state"` // pending | resolved
	Token  string                    `json:"token,omitempty"`
	Result *repository.ChangeRecord  `json:"result,omitempty"`
}

type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func idemKey(key string) string { return "idem:" + key }

func (s *IdempotencyStore) Reserve(ctx context.Context, key string, liveness time.Duration) (*repository.Reservation, error) {
	token := uuid.NewString()
	pending, err := json.Marshal(idemEntry{State: "pending", Token: token})
	if err != nil {
		return nil, fmt.Errorf("Reserve: marshal: %w", err)
	}

	raw, err := reserveScript.Run(ctx, s.client,
		[]string{idemKey(key)}, string(pending), liveness.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, storeErr("Reserve", err)
	}

	if raw[0] == "new" {
		return &repository.Reservation{State: repository.ReserveNew, Token: token}, nil
	}

	var existing idemEntry
	if err := json.Unmarshal([]byte(raw[1]), &existing); err != nil {
		return nil, fmt.Errorf("Reserve: decode existing: %w", err)
	}
	if existing.State == "pending" {
		return &repository.Reservation{State: repository.ReserveInFlight}, nil
	}
	return &repository.Reservation{State: repository.ReserveResolved, Stored: existing.Result}, nil
}

func (s *IdempotencyStore) Resolve(ctx context.Context, key, token string, rec *repository.ChangeRecord, retention time.Duration) error {
	resolved, err := json.Marshal(idemEntry{State: "resolved", Result: rec})
	if err != nil {
		return fmt.Errorf("Resolve: marshal: %w", err)
	}

	ok, err := resolveScript.Run(ctx, s.client,
		[]string{idemKey(key)}, token, string(resolved), retention.Milliseconds(),
	).Int()
	if err != nil {
		return storeErr("Resolve", err)
	}
	if ok == 0 {
		return fmt.Errorf("Resolve: %w", domain.ErrKeyConflict)
	}
	return nil
}

func (s *IdempotencyStore) Abort(ctx context.Context, key, token string) error {
	if err := abortScript.Run(ctx, s.client, []string{idemKey(key)}, token).Err(); err != nil {
		return storeErr("Abort", err)
	}
	return nil
}
