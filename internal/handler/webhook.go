package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/reliapi/ledger-engine/internal/domain"
	"github.com/reliapi/ledger-engine/internal/logging"
	"github.com/reliapi/ledger-engine/internal/service/webhook"
)

// SignatureHeader carries the provider's `ts=<unix>;h1=<hex>` signature.
const SignatureHeader = "Paddle-Signature"

type WebhookHandler struct {
	pipeline *webhook.Pipeline
}

func NewWebhookHandler(pipeline *webhook.Pipeline) *WebhookHandler {
	return &WebhookHandler{pipeline: pipeline}
}

// ReceiveProviderWebhook authenticates and enqueues a provider delivery.
// Authentication failures of any flavor get the same 401 so the endpoint
// leaks nothing about which check failed. A full queue answers 503 and
// relies on the provider's redelivery schedule.
func (h *WebhookHandler) ReceiveProviderWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	status, err := h.pipeline.Submit(r.Context(), r.Header.Get(SignatureHeader), body)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrStaleWebhook):
			log.Warn("webhook rejected", "reason", "authentication")
			RespondAppError(w, ErrWebhookRejected, nil)
		case errors.Is(err, domain.ErrInvalidPayload):
			RespondAppError(w, ErrInvalidRequest, nil)
		case errors.Is(err, webhook.ErrQueueFull):
			log.Warn("webhook queue saturated")
			RespondAppError(w, ErrQueueSaturated, nil)
		case errors.Is(err, domain.ErrStoreUnavailable):
			RespondAppError(w, ErrStoreUnavailable, nil)
		default:
			log.Error("webhook submit failed", "error", err)
			RespondAppError(w, ErrInternalError, nil)
		}
		return
	}

	switch status {
	case webhook.StatusDuplicate:
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
	case webhook.StatusIgnored:
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}
