// Package redistore implements the repository contracts on Redis. Every
// mutation that must be atomic runs as a single server-side Lua script;
// amounts cross the wire as integers scaled to domain.AmountScale so Lua
// arithmetic stays in the exact integer range of its number type.
package redistore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
)

func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("NewClient: parse url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("NewClient: ping: %w", err)
	}
	return client, nil
}

func toUnits(d decimal.Decimal) int64 {
	return domain.Quantize(d).Shift(domain.AmountScale).IntPart()
}

func fromUnits(u int64) decimal.Decimal {
	return decimal.New(u, -domain.AmountScale)
}

// storeErr tags an infrastructure failure so callers can match it as
// transient without losing the underlying cause.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, domain.ErrStoreUnavailable, err)
}
