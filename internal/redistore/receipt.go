package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/domain"
)

type ReceiptStore struct {
	client *redis.Client
}

func NewReceiptStore(client *redis.Client) *ReceiptStore {
	return &ReceiptStore{client: client}
}

func receiptKey(provider, eventID string) string {
	return "receipt:" + provider + ":" + eventID
}

func (s *ReceiptStore) Get(ctx context.Context, provider, eventID string) (*domain.WebhookReceipt, error) {
	raw, err := s.client.Get(ctx, receiptKey(provider, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("Get", err)
	}

	var r domain.WebhookReceipt
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("Get: decode receipt: %w", err)
	}
	return &r, nil
}

func (s *ReceiptStore) Put(ctx context.Context, receipt *domain.WebhookReceipt, retention time.Duration) error {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("Put: marshal: %w", err)
	}
	if err := s.client.Set(ctx, receiptKey(receipt.Provider, receipt.EventID), raw, retention).Err(); err != nil {
		return storeErr("Put", err)
	}
	return nil
}
