// Package checkout implements in-chat payments: an invoice is issued for
// a star amount, the provider runs a pre-checkout validation round, and a
// successful charge is credited to the ledger as a topup anchored on the
// provider's charge id.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/repository"
	"github.com/reliapi/ledger-engine/internal/service/ledger"
)

const payloadPrefix = "topup:"

// Engine is the slice of the ledger service checkout drives.
type Engine interface {
	ApplyChangeWithRetry(ctx context.Context, req ledger.ChangeRequest, policy ledger.RetryPolicy) (*ledger.ChangeResult, error)
}

// Config carries the tunables for the checkout flow.
type Config struct {
	SessionTTL  time.Duration
	StarsPerUSD int
	Retry       ledger.RetryPolicy
}

// Invoice is what the caller sends to the payment provider: the payload
// string round-trips through pre-checkout and the final charge callback.
type Invoice struct {
	Payload string `json:"payload"`
	Stars   int64  `json:"stars"`
	USD     string `json:"usd"`
}

// session is the pending-invoice record parked in the store between
// CreateInvoice and Confirm. Amounts are pinned at invoice time so a
// conversion-rate change mid-checkout cannot alter the credit.
type session struct {
	AccountID string `json:"account_id"`
	Stars     int64  `json:"stars"`
	USD       string `json:"usd"`
}

type Service struct {
	sessions repository.SessionStore
	engine   Engine
	logger   *slog.Logger
	cfg      Config
}

func NewService(sessions repository.SessionStore, engine Engine, logger *slog.Logger, cfg Config) *Service {
	return &Service{sessions: sessions, engine: engine, logger: logger, cfg: cfg}
}

// CreateInvoice opens a checkout session for the given star amount and
// returns the invoice to forward to the provider. The session expires on
// its own if the user abandons the flow.
func (s *Service) CreateInvoice(ctx context.Context, accountID string, stars int64) (*Invoice, error) {
	if accountID == "" || stars <= 0 {
		return nil, fmt.Errorf("CreateInvoice: %w", domain.ErrInvalidPayload)
	}
	usd := starsToUSD(stars, s.cfg.StarsPerUSD)
	payload := fmt.Sprintf("%s%s:%d", payloadPrefix, accountID, time.Now().Unix())

	raw, err := json.Marshal(session{AccountID: accountID, Stars: stars, USD: usd.String()})
	if err != nil {
		return nil, fmt.Errorf("CreateInvoice: encode session: %w", err)
	}
	if err := s.sessions.Put(ctx, payload, raw, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("CreateInvoice: %w", err)
	}
	return &Invoice{Payload: payload, Stars: stars, USD: usd.String()}, nil
}

// PreCheckout is the provider's last-chance validation callback. It must
// answer quickly: a non-nil error tells the provider to cancel the charge.
func (s *Service) PreCheckout(ctx context.Context, accountID, payload string) error {
	if !strings.HasPrefix(payload, payloadPrefix) {
		return fmt.Errorf("PreCheckout: %w", domain.ErrInvalidPayload)
	}
	raw, err := s.sessions.Get(ctx, payload)
	if err != nil {
		return fmt.Errorf("PreCheckout: %w", err)
	}
	var sess session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return fmt.Errorf("PreCheckout: decode session: %w", err)
	}
	if sess.AccountID != accountID {
		return fmt.Errorf("PreCheckout: %w", domain.ErrSessionMismatch)
	}
	return nil
}

// Confirm credits a successful charge to the ledger. The provider charge
// id anchors the idempotency key, so a redelivered confirmation replays
// the stored outcome instead of crediting twice. The session may already
// be gone (expired, or a previous delivery cleaned it up); in that case
// the credit is recomputed from the star amount the provider reports.
func (s *Service) Confirm(ctx context.Context, accountID, payload, chargeID string, stars int64) (*ledger.ChangeResult, error) {
	if chargeID == "" || accountID == "" {
		return nil, fmt.Errorf("Confirm: %w", domain.ErrInvalidPayload)
	}

	usd := starsToUSD(stars, s.cfg.StarsPerUSD)
	if raw, err := s.sessions.Get(ctx, payload); err == nil {
		var sess session
		if err := json.Unmarshal(raw, &sess); err == nil && sess.AccountID == accountID {
			usd, _ = decimal.NewFromString(sess.USD)
		}
	}

	result, err := s.engine.ApplyChangeWithRetry(ctx, ledger.ChangeRequest{
		AccountID:      accountID,
		Amount:         usd,
		Kind:           domain.TransactionKindTopup,
		ProviderTxnID:  chargeID,
		Description:    fmt.Sprintf("checkout credit (%d stars)", stars),
		IdempotencyKey: "stars:" + chargeID,
	}, s.cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	if derr := s.sessions.Delete(ctx, payload); derr != nil {
		s.logger.WarnContext(ctx, "failed to delete checkout session", slog.String("payload", payload), slog.Any("error", derr))
	}
	s.logger.InfoContext(ctx, "checkout credited",
		slog.String("account_id", accountID),
		slog.String("charge_id", chargeID),
		slog.Int64("stars", stars),
		slog.String("usd", usd.String()),
	)
	return result, nil
}

func starsToUSD(stars int64, starsPerUSD int) decimal.Decimal {
	if starsPerUSD <= 0 {
		starsPerUSD = 1
	}
	return domain.Quantize(decimal.NewFromInt(stars).Div(decimal.NewFromInt(int64(starsPerUSD))))
}
