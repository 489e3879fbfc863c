// Package reconcile periodically diffs the payment provider's settled
// charges against the local ledger and repairs missed credits. Repairs
// reuse the same idempotency keys as the webhook path, so a credit that
// arrives late over both paths still lands exactly once.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/metrics"
	"github.com/reliapi/ledger-engine/internal/repository"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
)

// Engine is the slice of the ledger service the job drives.
type Engine interface {
	ApplyChangeWithRetry(ctx context.Context, req ledger.ChangeRequest, policy ledger.RetryPolicy) (*ledger.ChangeResult, error)
}

// topupLister is the slice of the ledger store the job reads.
type topupLister interface {
	ListTopupsBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
}

type Config struct {
	Provider string
	Interval time.Duration
	Lookback time.Duration
	Retry    ledger.RetryPolicy
}

// Report summarizes one reconciliation pass.
type Report struct {
	ProviderCount int
	LocalCount    int
	Repaired      int
	Unmatched     int // provider txns we could not repair (missing account id)
	Orphaned      int // local topups the provider does not know about
}

type Job struct {
	provider ProviderClient
	store    topupLister
	engine   Engine
	logger   *slog.Logger
	cfg      Config
}

var _ topupLister = (repository.LedgerStore)(nil)

// NewJob wires a reconciliation pass over the given provider feed and
// ledger store.
func NewJob(provider ProviderClient, store topupLister, engine Engine, logger *slog.Logger, cfg Config) *Job {
	return &Job{provider: provider, store: store, engine: engine, logger: logger, cfg: cfg}
}

// Start runs reconciliation passes until the context is cancelled.
func (j *Job) Start(ctx context.Context) {
	j.logger.Info("reconciliation job started", "interval", j.cfg.Interval, "lookback", j.cfg.Lookback)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("reconciliation job stopped")
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Run executes a single pass over the lookback window. Missing credits
// are replayed through the ledger engine; local topups the provider does
// not report are flagged for an operator, never reverted, because the
// ledger history is the durable record and the provider feed can lag.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	to := time.Now()
	from := to.Add(-j.cfg.Lookback)

	remote, err := j.provider.ListTransactions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	local, err := j.store.ListTopupsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	localByProviderID := make(map[string]domain.Transaction, len(local))
	for _, txn := range local {
		if txn.ProviderTxnID != "" {
			localByProviderID[txn.ProviderTxnID] = txn
		}
	}

	report := &Report{ProviderCount: len(remote), LocalCount: len(local)}
	seen := make(map[string]struct{}, len(remote))
	for _, pt := range remote {
		seen[pt.ID] = struct{}{}
		if _, ok := localByProviderID[pt.ID]; ok {
			continue
		}
		if j.repair(ctx, pt) {
			report.Repaired++
		} else {
			report.Unmatched++
		}
	}

	for providerID, txn := range localByProviderID {
		if _, ok := seen[providerID]; ok {
			continue
		}
		report.Orphaned++
		metrics.ReconcileDiscrepancies.WithLabelValues("orphaned_local").Inc()
		j.logger.Warn("local topup missing from provider feed",
			"provider_txn_id", providerID,
			"transaction_id", txn.ID,
			"account_id", txn.AccountID,
		)
	}

	j.logger.Info("reconciliation pass complete",
		"provider_count", report.ProviderCount,
		"local_count", report.LocalCount,
		"repaired", report.Repaired,
		"unmatched", report.Unmatched,
		"orphaned", report.Orphaned,
	)
	return report, nil
}

func (j *Job) repair(ctx context.Context, pt ProviderTransaction) bool {
	if pt.AccountID == "" {
		metrics.ReconcileDiscrepancies.WithLabelValues("unmatched_provider").Inc()
		j.logger.Warn("provider transaction has no account mapping", "provider_txn_id", pt.ID)
		return false
	}
	amount, err := decimal.NewFromString(pt.AmountUSD)
	if err != nil || !amount.IsPositive() {
		metrics.ReconcileDiscrepancies.WithLabelValues("unmatched_provider").Inc()
		j.logger.Warn("provider transaction has unusable amount", "provider_txn_id", pt.ID, "amount", pt.AmountUSD)
		return false
	}

	// Same key the webhook path would have used, so a late delivery of
	// the original event replays the repair instead of double-crediting.
	key := pt.IdempotencyKey
	if key == "" {
		key = j.cfg.Provider + ":topup:" + pt.ID
	}

	result, err := j.engine.ApplyChangeWithRetry(ctx, ledger.ChangeRequest{
		AccountID:      pt.AccountID,
		Amount:         amount,
		Kind:           domain.TransactionKindTopup,
		ProviderTxnID:  pt.ID,
		Description:    "reconciliation repair",
		IdempotencyKey: key,
	}, j.cfg.Retry)
	if err != nil {
		metrics.ReconcileDiscrepancies.WithLabelValues("repair_failed").Inc()
		j.logger.Error("reconciliation repair failed", "provider_txn_id", pt.ID, "error", err)
		return false
	}

	metrics.ReconcileDiscrepancies.WithLabelValues("missing_local").Inc()
	j.logger.Warn("repaired missing credit",
		"provider_txn_id", pt.ID,
		"account_id", pt.AccountID,
		"transaction_id", result.TransactionID,
		"replayed", result.Replayed,
	)
	return true
}
