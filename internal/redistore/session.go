package redistore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// SessionStore backs pending checkout invoices for in-chat payments. A
// session that falls out of its TTL is simply gone; the pre-confirmation
// step turns that into a clean rejection before any funds move.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func sessionKey(key string) string { return "pending_invoice:" + key }

func (s *SessionStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, sessionKey(key), value, ttl).Err(); err != nil {
		return storeErr("Put", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("Get: %w", domain.ErrSessionExpired)
	}
	if err != nil {
		return nil, storeErr("Get", err)
	}
	return raw, nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, sessionKey(key)).Err(); err != nil {
		return storeErr("Delete", err)
	}
	return nil
}
