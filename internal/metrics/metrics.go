package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_events_total",
		Help: "Inbound provider webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_webhook_processing_seconds",
		Help:    "Time from dequeue to ledger resolution per webhook event.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	TransactionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_applied_total",
		Help: "Ledger transactions applied by kind.",
	}, []string{"kind"})

	ChargesDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_charges_denied_total",
		Help: "Usage charges rejected for insufficient balance.",
	})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotent_replays_total",
		Help: "ApplyChange calls answered from a stored idempotency result.",
	})

	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_timeouts_total",
		Help: "Account lock acquisitions that hit the wait timeout.",
	})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rate_limit_rejections_total",
		Help: "Requests refused by the sliding-window rate limiter.",
	}, []string{"scope"})

	ReconcileDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_discrepancies_total",
		Help: "Reconciliation findings: missing_locally entries are replayed, extra_locally flagged for review.",
	}, []string{"type"})

	OverdraftsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_refund_overdrafts_total",
		Help: "Refund clawbacks that left an account with a negative balance.",
	})
)
