package domain

import (
	"encoding/json"
	"time"
)

type ReceiptOutcome string

const (
	ReceiptOutcomeApplied  ReceiptOutcome = "applied"
	ReceiptOutcomeIgnored  ReceiptOutcome = "ignored"
	ReceiptOutcomeRejected ReceiptOutcome = "rejected"
)

// WebhookReceipt records the processing outcome of one provider delivery,
// keyed by (provider, event id). It is the second dedupe layer, independent
// of the idempotency key carried inside the event metadata, and is written
// only after the ledger call resolves so a crash in between leaves the
// event safely retryable.
type WebhookReceipt struct {
	Provider      string
	EventID       string
	Outcome       ReceiptOutcome
	TransactionID string
	Detail        string
	ProcessedAt   time.Time
}

// PaymentEvent is a verified, parsed provider callback on its way to the
// ledger. Metadata is trusted only because signature verification already
// passed.
type PaymentEvent struct {
	Provider      string
	EventType     string
	EventID       string
	ProviderTxnID string
	AmountUSD     string
	Metadata      EventMetadata
	RawBody       json.RawMessage
}

// EventMetadata is the application-supplied opaque blob echoed back by the
// provider: it carries the account identity and the idempotency key minted
// when the checkout was created.
type EventMetadata struct {
	AccountID      string `json:"account_id"`
	IdempotencyKey string `json:"idempotency_key"`
}
