package config

import (
	"fmt"

	env "github.com/caarlos0/env/v11"
)

// RefundOverdraftAction decides what happens when a refund clawback drives
// a balance negative: flag the account for manual review, or suspend API
// access until an operator intervenes.
type RefundOverdraftAction string

const (
	RefundOverdraftFlag    RefundOverdraftAction = "flag"
	RefundOverdraftSuspend RefundOverdraftAction = "suspend"
)

type Config struct {
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseURL   string `env:"DATABASE_URL"`
	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"redis"`

	Provider         string `env:"PROVIDER_NAME" envDefault:"paddle"`
	WebhookSecret    string `env:"WEBHOOK_SECRET,required"`
	WebhookMaxSkewS  int    `env:"WEBHOOK_MAX_SKEW_S" envDefault:"300"`
	WebhookQueueSize int    `env:"WEBHOOK_QUEUE_SIZE" envDefault:"256"`
	WebhookWorkers   int    `env:"WEBHOOK_WORKERS" envDefault:"4"`

	LockTTLMs       int `env:"LOCK_TTL_MS" envDefault:"5000"`
	LockWaitMs      int `env:"LOCK_WAIT_MS" envDefault:"2000"`
	ReserveLiveness int `env:"IDEMPOTENCY_LIVENESS_S" envDefault:"60"`
	// Retention must outlive the provider's longest plausible redelivery
	// window; Paddle retries for up to three days, keep a week.
	IdempotencyRetentionS int `env:"IDEMPOTENCY_RETENTION_S" envDefault:"604800"`
	ReceiptRetentionS     int `env:"RECEIPT_RETENTION_S" envDefault:"604800"`

	RefundOverdraft RefundOverdraftAction `env:"REFUND_OVERDRAFT_ACTION" envDefault:"flag"`

	WebhookRateLimit  int `env:"WEBHOOK_RATE_LIMIT" envDefault:"120"`
	ChargeRateLimit   int `env:"CHARGE_RATE_LIMIT" envDefault:"60"`
	RateLimitWindowS  int `env:"RATE_LIMIT_WINDOW_S" envDefault:"60"`
	CheckoutSessionTTLS int `env:"CHECKOUT_SESSION_TTL_S" envDefault:"3600"`
	StarsPerUSD       int `env:"STARS_PER_USD" envDefault:"50"`

	ProviderBaseURL    string `env:"PROVIDER_BASE_URL" envDefault:"http://mock-provider:8081"`
	ReconcileIntervalS int    `env:"RECONCILE_INTERVAL_S" envDefault:"86400"`
	ReconcileLookbackS int    `env:"RECONCILE_LOOKBACK_S" envDefault:"172800"`

	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
