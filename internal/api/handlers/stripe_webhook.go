// Package handlers contains the HTTP handlers of the billing service.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rentaltrack/internal/billing"
	"rentaltrack/internal/core"
	"rentaltrack/internal/external"
	"rentaltrack/internal/types"
)

// maxWebhookBodySize caps a provider webhook payload. Real events are a few
// kilobytes.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier authenticates a raw webhook payload.
// Implemented by external.StripeVerifier.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// EventProcessor applies a verified billing event.
// Implemented by billing.Reconciler.
type EventProcessor interface {
	Process(ctx context.Context, payload []byte) (billing.Event, billing.Outcome, error)
}

// WebhookAck is the body returned once an event has been handled.
type WebhookAck struct {
	Received bool `json:"received"`
}

// StripeWebhookHandler receives subscription lifecycle events from Stripe.
// It sits outside any user authentication; the signature is the only proof
// of origin.
type StripeWebhookHandler struct {
	verifier  WebhookVerifier
	processor EventProcessor
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier WebhookVerifier, processor EventProcessor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		logger:    logger,
	}
}

// RegisterRoutes mounts POST /webhooks/stripe.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and applies one webhook delivery.
//
// 400 means the delivery was rejected before anything was read from it.
// Any store or provider failure answers non-2xx so Stripe redelivers;
// processing is idempotent, so redelivery is safe. Everything else,
// including ignored event types and no-op updates, answers 200.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	// Step 1: Read the raw body. The signature covers these exact bytes.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", slog.Any("error", err))
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationFailed, "failed to read request body", err))
		return
	}

	// Step 2: Verify the signature before interpreting anything.
	sigHeader := r.Header.Get(external.StripeSignatureHeader)
	if sigHeader == "" {
		logger.WarnContext(ctx, "webhook delivery without signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationSignatureMissing,
			"missing "+external.StripeSignatureHeader+" header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", slog.Any("error", err))
		if !types.IsCode(err, types.ErrCodeValidationSignatureInvalid) {
			err = types.NewSignatureVerificationError(err)
		}
		core.Error(w, r, err)
		return
	}

	// Step 3: Parse, deduplicate and apply.
	event, outcome, err := h.processor.Process(ctx, payload)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "billing event handled",
		slog.String("event_id", event.Meta().ID),
		slog.String("kind", billing.EventKind(event)),
		slog.String("outcome", string(outcome)),
	)

	core.JSON(w, r, http.StatusOK, WebhookAck{Received: true})
}
