// Package payment holds the boundary to the external payment processor and
// the inbound webhook reconciliation path.
package payment

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Provider abstracts the external payment network. The real integration is
// out of scope; implementations create intents for checkout and execute
// transfers at settlement.
type Provider interface {
	// CreateIntent registers a payment intent for the order and returns the
	// provider's reference.
	CreateIntent(ctx context.Context, amountCents int64, currency, orderID string) (string, error)
	// Transfer pushes amountCents to the seller's account at the provider.
	Transfer(ctx context.Context, sellerAccountRef string, amountCents int64) error
}

// LocalProvider is a stand-in provider for development and tests. It mints
// references locally and always succeeds.
type LocalProvider struct {
	logger *slog.Logger
}

// NewLocalProvider builds a LocalProvider logging through the given logger.
func NewLocalProvider(logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{logger: logger.With("component", "payment.local")}
}

func (p *LocalProvider) CreateIntent(ctx context.Context, amountCents int64, currency, orderID string) (string, error) {
	ref := "pi_" + uuid.NewString()
	p.logger.InfoContext(ctx, "intent created",
		"order_id", orderID, "amount_cents", amountCents, "currency", currency, "provider_ref", ref)
	return ref, nil
}

func (p *LocalProvider) Transfer(ctx context.Context, sellerAccountRef string, amountCents int64) error {
	p.logger.InfoContext(ctx, "transfer executed",
		"account_ref", sellerAccountRef, "amount_cents", amountCents)
	return nil
}
