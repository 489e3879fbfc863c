package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// RetryPolicy is the one retry/backoff definition for every transient
// ledger failure (lock contention, in-flight idempotency key, store
// outage). Call sites attach this policy instead of hand-rolling loops.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// ApplyChangeWithRetry drives ApplyChange until it reaches a terminal
// outcome or the policy's elapsed budget runs out. Terminal failures
// (insufficient balance, validation) are never retried.
func (s *Service) ApplyChangeWithRetry(ctx context.Context, req ChangeRequest, policy RetryPolicy) (*ChangeResult, error) {
	return backoff.RetryWithData(func() (*ChangeResult, error) {
		result, err := s.ApplyChange(ctx, req)
		if err != nil && !domain.Transient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, policy.backoff(ctx))
}
