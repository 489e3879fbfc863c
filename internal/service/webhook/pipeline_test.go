package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/redistore"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
	"github.com/reliapi/ledger-engine/internal/testutil"
)

type fakeEngine struct {
	calls   []ledger.ChangeRequest
	result  *ledger.ChangeResult
	err     error
	replays map[string]bool
}

func (f *fakeEngine) ApplyChangeWithRetry(ctx context.Context, req ledger.ChangeRequest, _ ledger.RetryPolicy) (*ledger.ChangeResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.replays == nil {
		f.replays = make(map[string]bool)
	}
	result := *f.result
	result.Replayed = f.replays[req.IdempotencyKey]
	f.replays[req.IdempotencyKey] = true
	return &result, nil
}

func newTestPipeline(t *testing.T, engine *fakeEngine) *Pipeline {
	t.Helper()
	client, _ := testutil.SetupRedis(t)
	verifier := NewVerifier(testSecret, 300*time.Second)
	return NewPipeline(verifier, redistore.NewReceiptStore(client), engine, slog.Default(), Config{
		Provider:         "paddle",
		QueueSize:        8,
		Workers:          1,
		ReceiptRetention: time.Hour,
		Retry:            ledger.DefaultRetryPolicy(),
	})
}

func eventBody(t *testing.T, eventType, eventID, providerTxnID, amount, accountID, key string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"event_id":   eventID,
		"data": map[string]any{
			"transaction_id": providerTxnID,
			"amount_usd":     amount,
			"custom_data": map[string]string{
				"account_id":      accountID,
				"idempotency_key": key,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func signed(body []byte) string {
	return Sign(testSecret, time.Now().Unix(), body)
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	p := newTestPipeline(t, &fakeEngine{})
	body := eventBody(t, EventTransactionCompleted, "evt_1", "ptxn_1", "10.00", "alice", "")

	_, err := p.Submit(context.Background(), "ts=1;h1=00", body)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = p.Submit(context.Background(), Sign("wrong-secret", time.Now().Unix(), body), body)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestSubmitRejectsUnparseableBody(t *testing.T) {
	p := newTestPipeline(t, &fakeEngine{})

	body := []byte(`not json`)
	_, err := p.Submit(context.Background(), signed(body), body)
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	// Valid JSON but no event id to anchor dedup on.
	body = []byte(`{"event_type":"transaction.completed"}`)
	_, err = p.Submit(context.Background(), signed(body), body)
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestSubmitQueuesAndProcessesOnce(t *testing.T) {
	engine := &fakeEngine{result: &ledger.ChangeResult{TransactionID: "txn-1", NewBalance: decimal.RequireFromString("10.00")}}
	p := newTestPipeline(t, engine)
	ctx := context.Background()

	body := eventBody(t, EventTransactionCompleted, "evt_1", "ptxn_1", "10.00", "alice", "topup-1")

	status, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	p.process(ctx, <-p.queue)

	require.Len(t, engine.calls, 1)
	call := engine.calls[0]
	assert.Equal(t, "alice", call.AccountID)
	assert.Equal(t, domain.TransactionKindTopup, call.Kind)
	assert.True(t, decimal.RequireFromString("10.00").Equal(call.Amount))
	assert.Equal(t, "ptxn_1", call.ProviderTxnID)
	assert.Equal(t, "topup-1", call.IdempotencyKey)

	// The receipt now short-circuits the redelivered copy before it can
	// reach the queue.
	status, err = p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)
	assert.Len(t, engine.calls, 1)
}

func TestSubmitIgnoresIrrelevantEventTypes(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPipeline(t, engine)
	ctx := context.Background()

	body := eventBody(t, "subscription.created", "evt_sub", "", "", "", "")

	status, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, status)
	assert.Empty(t, engine.calls)

	// Ignored events are receipted too, so redelivery answers duplicate.
	status, err = p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)
}

func TestSubmitQueueFull(t *testing.T) {
	p := newTestPipeline(t, &fakeEngine{})
	p.queue = make(chan domain.PaymentEvent, 1)
	ctx := context.Background()

	body := eventBody(t, EventTransactionCompleted, "evt_a", "ptxn_a", "1.00", "alice", "")
	_, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)

	body = eventBody(t, EventTransactionCompleted, "evt_b", "ptxn_b", "1.00", "alice", "")
	_, err = p.Submit(ctx, signed(body), body)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestProcessRefundNegatesAmount(t *testing.T) {
	engine := &fakeEngine{result: &ledger.ChangeResult{TransactionID: "txn-r", NewBalance: decimal.Zero}}
	p := newTestPipeline(t, engine)
	ctx := context.Background()

	body := eventBody(t, EventTransactionRefunded, "evt_r", "ptxn_1", "10.00", "alice", "")
	status, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)

	p.process(ctx, <-p.queue)

	require.Len(t, engine.calls, 1)
	call := engine.calls[0]
	assert.Equal(t, domain.TransactionKindRefund, call.Kind)
	assert.True(t, decimal.RequireFromString("-10.00").Equal(call.Amount))
	// No caller-supplied key: the anchor is derived from the provider
	// transaction, distinct from the topup path's anchor.
	assert.Equal(t, "paddle:refund:ptxn_1", call.IdempotencyKey)
}

func TestProcessTransientFailureLeavesNoReceipt(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("apply: %w", domain.ErrStoreUnavailable)}
	p := newTestPipeline(t, engine)
	ctx := context.Background()

	body := eventBody(t, EventTransactionCompleted, "evt_t", "ptxn_t", "5.00", "bob", "")
	_, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	p.process(ctx, <-p.queue)

	// No receipt was written, so the provider's redelivery is accepted
	// and retried rather than answered as a duplicate.
	status, err := p.Submit(ctx, signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
}

func TestProcessTerminalRejectionIsReceipted(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) []byte
	}{
		{
			name: "missing account id",
			body: func(t *testing.T) []byte {
				return eventBody(t, EventTransactionCompleted, "evt_x", "ptxn_x", "5.00", "", "")
			},
		},
		{
			name: "unusable amount",
			body: func(t *testing.T) []byte {
				return eventBody(t, EventTransactionCompleted, "evt_x", "ptxn_x", "-5.00", "carol", "")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			p := newTestPipeline(t, engine)
			ctx := context.Background()

			body := tt.body(t)
			_, err := p.Submit(ctx, signed(body), body)
			require.NoError(t, err)
			p.process(ctx, <-p.queue)

			assert.Empty(t, engine.calls)

			status, err := p.Submit(ctx, signed(body), body)
			require.NoError(t, err)
			assert.Equal(t, StatusDuplicate, status)
		})
	}
}

func TestPipelineEndToEndExactlyOnce(t *testing.T) {
	engine := &fakeEngine{result: &ledger.ChangeResult{TransactionID: "txn-1", NewBalance: decimal.RequireFromString("10.00")}}
	p := newTestPipeline(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	body := eventBody(t, EventTransactionCompleted, "evt_e2e", "ptxn_e2e", "10.00", "alice", "")

	// Two deliveries race the worker; whether the second arrives before
	// or after the receipt lands, the engine keys both to the same
	// idempotent change.
	for range 2 {
		status, err := p.Submit(ctx, signed(body), body)
		require.NoError(t, err)
		require.Contains(t, []SubmitStatus{StatusQueued, StatusDuplicate}, status)
	}

	require.Eventually(t, func() bool {
		r, err := p.receipts.Get(context.Background(), "paddle", "evt_e2e")
		return err == nil && r != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	keys := make(map[string]int)
	for _, call := range engine.calls {
		keys[call.IdempotencyKey]++
	}
	assert.Len(t, keys, 1)
}
