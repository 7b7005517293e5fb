package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"credflow/fault"
)

// EventTypePaymentSucceeded is the only event type that mutates ledger state.
const EventTypePaymentSucceeded = "payment.succeeded"

// Event is the normalized provider webhook payload.
type Event struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ProviderRef string `json:"provider_ref"`
	OrderID     string `json:"order_id"`
}

// PaymentConfirmer is the slice of the order engine the webhook path needs.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, providerEventID, orderID string) error
}

// WebhookHandler verifies and routes provider events. Delivery is
// at-least-once; the only duplicate guard is the transaction-status
// idempotency check inside ConfirmPayment, not transport-level dedup.
type WebhookHandler struct {
	secret    []byte
	confirmer PaymentConfirmer
	logger    *slog.Logger
}

// NewWebhookHandler builds a handler verifying signatures with the shared secret.
func NewWebhookHandler(secret string, confirmer PaymentConfirmer, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:    []byte(secret),
		confirmer: confirmer,
		logger:    logger.With("component", "payment.webhook"),
	}
}

// Handle authenticates the raw event body and applies recognized events.
// Unrecognized event types are acknowledged and ignored. A signature mismatch
// rejects the delivery with no state change.
func (h *WebhookHandler) Handle(ctx context.Context, rawBody []byte, signature string) error {
	if err := h.verify(rawBody, signature); err != nil {
		return err
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("payment: decode event: %w", err)
	}
	if event.ID == "" {
		return fmt.Errorf("payment: event missing id")
	}

	if event.Type != EventTypePaymentSucceeded {
		h.logger.InfoContext(ctx, "event ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}
	if event.OrderID == "" {
		return fmt.Errorf("payment: success event %s missing order id", event.ID)
	}

	err := h.confirmer.ConfirmPayment(ctx, event.ID, event.OrderID)
	if errors.Is(err, fault.ErrAlreadyProcessed) {
		// Redelivery of an applied event is success to the provider.
		h.logger.InfoContext(ctx, "event replayed", "event_id", event.ID, "order_id", event.OrderID)
		return nil
	}
	return err
}

// verify checks the HMAC-SHA256 hex signature over the raw body.
func (h *WebhookHandler) verify(rawBody []byte, signature string) error {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("payment: malformed signature: %w", fault.ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(rawBody)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("payment: %w", fault.ErrSignatureInvalid)
	}
	return nil
}

// Sign computes the signature a provider would attach to rawBody. Used by
// tests and the local provider tooling.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
