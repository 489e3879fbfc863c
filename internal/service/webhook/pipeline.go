package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/metrics"
	"github.com/reliapi/ledger-engine/internal/repository"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
)

// SubmitStatus tells the HTTP layer how to answer the provider.
type SubmitStatus int

const (
	StatusQueued SubmitStatus = iota
	StatusDuplicate
	StatusIgnored
)

// ErrQueueFull surfaces as a 5xx so the provider redelivers later.
var ErrQueueFull = errors.New("webhook queue full")

const (
	EventTransactionCompleted = "transaction.completed"
	EventTransactionRefunded  = "transaction.refunded"
)

type providerEventBody struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Data      struct {
		TransactionID string               `json:"transaction_id"`
		AmountUSD     string               `json:"amount_usd"`
		Metadata      domain.EventMetadata `json:"custom_data"`
	} `json:"data"`
}

// Engine is the slice of the ledger service the pipeline drives.
type Engine interface {
	ApplyChangeWithRetry(ctx context.Context, req ledger.ChangeRequest, policy ledger.RetryPolicy) (*ledger.ChangeResult, error)
}

type Config struct {
	Provider         string
	QueueSize        int
	Workers          int
	ReceiptRetention time.Duration
	Retry            ledger.RetryPolicy
}

// Pipeline is the verified path from a raw provider delivery to the
// ledger: Submit authenticates, deduplicates and enqueues synchronously so
// the provider gets an immediate ack; workers apply the ledger change and
// write the receipt only once the ledger call resolved. A crash between
// the two leaves no receipt, so redelivery retries safely.
type Pipeline struct {
	verifier *Verifier
	receipts repository.ReceiptStore
	engine   Engine
	logger   *slog.Logger
	cfg      Config

	queue chan domain.PaymentEvent
	wg    sync.WaitGroup
}

func NewPipeline(verifier *Verifier, receipts repository.ReceiptStore, engine Engine, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		verifier: verifier,
		receipts: receipts,
		engine:   engine,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan domain.PaymentEvent, cfg.QueueSize),
	}
}

// Start runs the workers until ctx is cancelled. Events still queued at
// shutdown are dropped deliberately: no receipt was written for them, so
// the provider's redelivery brings them back.
func (p *Pipeline) Start(ctx context.Context) {
	p.logger.Info("webhook pipeline started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)

	for range p.cfg.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-p.queue:
					p.process(ctx, event)
				}
			}
		}()
	}

	<-ctx.Done()
	p.wg.Wait()
	p.logger.Info("webhook pipeline stopped")
}

// Submit runs the synchronous part of the state machine:
// signature -> freshness -> dedup -> enqueue.
func (p *Pipeline) Submit(ctx context.Context, signature string, body []byte) (SubmitStatus, error) {
	if err := p.verifier.Verify(signature, body); err != nil {
		metrics.WebhookEvents.WithLabelValues(p.cfg.Provider, "rejected").Inc()
		return 0, fmt.Errorf("Submit: %w", err)
	}

	var parsed providerEventBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("Submit: parse body: %w: %s", domain.ErrInvalidPayload, err)
	}
	if parsed.EventID == "" {
		return 0, fmt.Errorf("Submit: missing event id: %w", domain.ErrInvalidPayload)
	}

	existing, err := p.receipts.Get(ctx, p.cfg.Provider, parsed.EventID)
	if err != nil {
		return 0, fmt.Errorf("Submit: %w", err)
	}
	if existing != nil {
		metrics.WebhookEvents.WithLabelValues(p.cfg.Provider, "duplicate").Inc()
		return StatusDuplicate, nil
	}

	if parsed.EventType != EventTransactionCompleted && parsed.EventType != EventTransactionRefunded {
		// Not a money movement; receipt it now so redeliveries short-circuit.
		p.writeReceipt(ctx, &domain.WebhookReceipt{
			Provider:    p.cfg.Provider,
			EventID:     parsed.EventID,
			Outcome:     domain.ReceiptOutcomeIgnored,
			Detail:      parsed.EventType,
			ProcessedAt: time.Now().UTC(),
		})
		metrics.WebhookEvents.WithLabelValues(p.cfg.Provider, "ignored").Inc()
		return StatusIgnored, nil
	}

	event := domain.PaymentEvent{
		Provider:      p.cfg.Provider,
		EventType:     parsed.EventType,
		EventID:       parsed.EventID,
		ProviderTxnID: parsed.Data.TransactionID,
		AmountUSD:     parsed.Data.AmountUSD,
		Metadata:      parsed.Data.Metadata,
		RawBody:       body,
	}

	select {
	case p.queue <- event:
		metrics.WebhookEvents.WithLabelValues(p.cfg.Provider, "queued").Inc()
		return StatusQueued, nil
	default:
		return 0, fmt.Errorf("Submit: %w", ErrQueueFull)
	}
}

// process applies one verified event to the ledger, then records the
// receipt. Transient failures leave no receipt on purpose.
func (p *Pipeline) process(ctx context.Context, event domain.PaymentEvent) {
	start := time.Now()
	log := p.logger.With("provider", event.Provider, "event_id", event.EventID)

	req, err := p.translate(event)
	if err != nil {
		log.Warn("webhook event rejected", "error", err)
		p.writeReceipt(ctx, &domain.WebhookReceipt{
			Provider:    event.Provider,
			EventID:     event.EventID,
			Outcome:     domain.ReceiptOutcomeRejected,
			Detail:      err.Error(),
			ProcessedAt: time.Now().UTC(),
		})
		metrics.WebhookEvents.WithLabelValues(event.Provider, "rejected").Inc()
		return
	}

	result, err := p.engine.ApplyChangeWithRetry(ctx, *req, p.cfg.Retry)
	if err != nil {
		if domain.Transient(err) || errors.Is(err, context.Canceled) {
			// No receipt: the provider's redelivery is the retry.
			log.Error("webhook processing failed, awaiting redelivery", "error", err)
			return
		}
		log.Warn("webhook event terminally rejected", "error", err)
		p.writeReceipt(ctx, &domain.WebhookReceipt{
			Provider:    event.Provider,
			EventID:     event.EventID,
			Outcome:     domain.ReceiptOutcomeRejected,
			Detail:      err.Error(),
			ProcessedAt: time.Now().UTC(),
		})
		metrics.WebhookEvents.WithLabelValues(event.Provider, "rejected").Inc()
		return
	}

	p.writeReceipt(ctx, &domain.WebhookReceipt{
		Provider:      event.Provider,
		EventID:       event.EventID,
		Outcome:       domain.ReceiptOutcomeApplied,
		TransactionID: result.TransactionID,
		ProcessedAt:   time.Now().UTC(),
	})

	metrics.WebhookEvents.WithLabelValues(event.Provider, "applied").Inc()
	metrics.WebhookDuration.WithLabelValues(event.Provider).Observe(time.Since(start).Seconds())
	log.Info("webhook event applied",
		"transaction_id", result.TransactionID,
		"replayed", result.Replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// translate turns a provider event into a ledger change. Metadata is
// trusted here because the signature already checked out.
func (p *Pipeline) translate(event domain.PaymentEvent) (*ledger.ChangeRequest, error) {
	if event.Metadata.AccountID == "" {
		return nil, errors.New("metadata missing account id")
	}

	amount, err := decimal.NewFromString(event.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", event.AmountUSD, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("non-positive amount %q", event.AmountUSD)
	}

	kind := domain.TransactionKindTopup
	if event.EventType == EventTransactionRefunded {
		kind = domain.TransactionKindRefund
		amount = amount.Neg()
	}

	key := event.Metadata.IdempotencyKey
	if key == "" {
		// Derive a stable anchor so reruns of the same provider
		// transaction still collapse to one ledger entry.
		key = event.Provider + ":" + string(kind) + ":" + event.ProviderTxnID
	}

	return &ledger.ChangeRequest{
		AccountID:      event.Metadata.AccountID,
		Amount:         amount,
		Kind:           kind,
		ProviderTxnID:  event.ProviderTxnID,
		Description:    event.EventType,
		IdempotencyKey: key,
	}, nil
}

func (p *Pipeline) writeReceipt(ctx context.Context, receipt *domain.WebhookReceipt) {
	if err := p.receipts.Put(ctx, receipt, p.cfg.ReceiptRetention); err != nil {
		p.logger.Error("failed to write webhook receipt",
			"provider", receipt.Provider,
			"event_id", receipt.EventID,
			"error", err,
		)
	}
}
