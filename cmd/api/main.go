package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/config"
	"github.com/reliapi/ledger-engine/internal/handler"
	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/middleware"
	"github.com/reliapi/ledger-engine/internal/redistore"
	"github.com/reliapi/ledger-engine/internal/repository"
	"github.com/reliapi/ledger-engine/internal/service/checkout"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
	"github.com/reliapi/ledger-engine/internal/service/reconcile"
	"github.com/reliapi/ledger-engine/internal/service/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("ledger-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redistore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store, idem, err := buildLedgerBackend(ctx, cfg, rdb)
	if err != nil {
		slog.Error("failed to build ledger backend", "error", err)
		os.Exit(1)
	}

	locks := redistore.NewLockManager(rdb)
	receipts := redistore.NewReceiptStore(rdb)
	sessions := redistore.NewSessionStore(rdb)
	limiter := redistore.NewRateLimiter(rdb)

	retry := ledger.DefaultRetryPolicy()
	engine := ledger.NewService(store, idem, locks, ledger.Policy{
		LockTTL:         time.Duration(cfg.LockTTLMs) * time.Millisecond,
		LockWait:        time.Duration(cfg.LockWaitMs) * time.Millisecond,
		ReserveLiveness: time.Duration(cfg.ReserveLiveness) * time.Second,
		Retention:       time.Duration(cfg.IdempotencyRetentionS) * time.Second,
		RefundOverdraft: cfg.RefundOverdraft,
	})

	verifier := webhook.NewVerifier(cfg.WebhookSecret, time.Duration(cfg.WebhookMaxSkewS)*time.Second)
	pipeline := webhook.NewPipeline(verifier, receipts, engine, slog.Default(), webhook.Config{
		Provider:         cfg.Provider,
		QueueSize:        cfg.WebhookQueueSize,
		Workers:          cfg.WebhookWorkers,
		ReceiptRetention: time.Duration(cfg.ReceiptRetentionS) * time.Second,
		Retry:            retry,
	})
	go pipeline.Start(ctx)

	checkoutSvc := checkout.NewService(sessions, engine, slog.Default(), checkout.Config{
		SessionTTL:  time.Duration(cfg.CheckoutSessionTTLS) * time.Second,
		StarsPerUSD: cfg.StarsPerUSD,
		Retry:       retry,
	})

	reconciler := reconcile.NewJob(
		reconcile.NewHTTPProviderClient(cfg.ProviderBaseURL),
		store,
		engine,
		slog.Default(),
		reconcile.Config{
			Provider: cfg.Provider,
			Interval: time.Duration(cfg.ReconcileIntervalS) * time.Second,
			Lookback: time.Duration(cfg.ReconcileLookbackS) * time.Second,
			Retry:    retry,
		},
	)
	go reconciler.Start(ctx)

	mux := buildRouter(cfg, rdb, engine, retry, pipeline, checkoutSvc, limiter)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr, "backend", cfg.LedgerBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// buildLedgerBackend picks the store pair behind the ledger engine. Redis
// is the default; Postgres serves deployments that already run one and
// want the ledger rows queryable in SQL.
func buildLedgerBackend(ctx context.Context, cfg *config.Config, rdb *redis.Client) (repository.LedgerStore, repository.IdempotencyStore, error) {
	switch cfg.LedgerBackend {
	case "redis":
		return redistore.NewLedgerStore(rdb), redistore.NewIdempotencyStore(rdb), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("buildLedgerBackend: postgres backend requires DATABASE_URL")
		}
		db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
			MaxOpenConns:     25,
			MaxIdleConns:     5,
			ConnMaxLifetimeS: 300,
			ConnMaxIdleTimeS: 60,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("buildLedgerBackend: %w", err)
		}
		return repository.NewPGLedgerStore(db), repository.NewPGIdempotencyStore(db), nil
	default:
		return nil, nil, fmt.Errorf("buildLedgerBackend: unknown backend %q", cfg.LedgerBackend)
	}
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func buildRouter(
	cfg *config.Config,
	rdb *redis.Client,
	engine *ledger.Service,
	retry ledger.RetryPolicy,
	pipeline *webhook.Pipeline,
	checkoutSvc *checkout.Service,
	limiter repository.RateLimiter,
) http.Handler {
	healthHandler := handler.NewHealthHandler(redisPinger{client: rdb})
	ledgerHandler := handler.NewLedgerHandler(engine, retry)
	webhookHandler := handler.NewWebhookHandler(pipeline)
	checkoutHandler := handler.NewCheckoutHandler(checkoutSvc)

	window := time.Duration(cfg.RateLimitWindowS) * time.Second
	chargeLimit := middleware.RateLimit(limiter, cfg.ChargeRateLimit, window)
	webhookLimit := middleware.RateLimit(limiter, cfg.WebhookRateLimit, window)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/accounts/{id}/balance", ledgerHandler.GetBalance)
	mux.HandleFunc("GET /v1/accounts/{id}/transactions", ledgerHandler.ListTransactions)
	mux.Handle("POST /v1/accounts/{id}/charges", chargeLimit(http.HandlerFunc(ledgerHandler.Charge)))
	mux.Handle("POST /v1/accounts/{id}/adjustments", chargeLimit(http.HandlerFunc(ledgerHandler.Adjust)))

	mux.Handle("POST /v1/webhooks/provider", webhookLimit(http.HandlerFunc(webhookHandler.ReceiveProviderWebhook)))

	mux.HandleFunc("POST /v1/checkout/invoices", checkoutHandler.CreateInvoice)
	mux.HandleFunc("POST /v1/checkout/pre-checkout", checkoutHandler.PreCheckout)
	mux.Handle("POST /v1/checkout/confirm", chargeLimit(http.HandlerFunc(checkoutHandler.Confirm)))

	var root http.Handler = mux
	root = middleware.Recovery(root)
	root = middleware.Logging(root)
	root = middleware.Tracing(root)
	return root
}
