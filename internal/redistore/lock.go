package redistore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// releaseScript deletes the lock only when the caller still owns it. A
// holder whose TTL lapsed cannot release a lock someone else has since
// acquired (fencing).
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager is a per-resource advisory mutex on SET NX PX. Locks are
// account-scoped, never global, so unrelated accounts stay fully parallel.
type LockManager struct {
	client *redis.Client
	// retry interval between acquisition attempts while waiting
	pollEvery time.Duration
}

func NewLockManager(client *redis.Client) *LockManager {
	return &LockManager{client: client, pollEvery: 25 * time.Millisecond}
}

func lockKey(resource string) string { return "lock:" + resource }

func (m *LockManager) Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, lockKey(resource), token, ttl).Result()
		if err != nil {
			return "", storeErr("Acquire", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("Acquire %s: %w", resource, domain.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("Acquire %s: %w", resource, ctx.Err())
		case <-time.After(m.pollEvery):
		}
	}
}

func (m *LockManager) Release(ctx context.Context, resource, token string) error {
	deleted, err := releaseScript.Run(ctx, m.client, []string{lockKey(resource)}, token).Int()
	if err != nil {
		return storeErr("Release", err)
	}
	if deleted == 0 {
		return fmt.Errorf("Release %s: %w", resource, domain.ErrNotLockOwner)
	}
	return nil
}
