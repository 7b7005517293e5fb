package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"credflow/fault"
	"credflow/metrics"
	"credflow/payment"
)

// VerificationWindow is the escrow window granted on payment and renewed on
// delivery acknowledgment.
const VerificationWindow = 24 * time.Hour

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the data access required by the lifecycle engine.
type Ledger interface {
	FindOrder(ctx context.Context, orderID string) (Order, error)
	FindListing(ctx context.Context, listingID string) (Listing, error)
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Order, error)
	GetListingForUpdate(ctx context.Context, tx pgx.Tx, listingID string) (Listing, error)
	InsertOrder(ctx context.Context, tx pgx.Tx, rec CreateRecord) (Order, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, rec TransactionRecord) error
	GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Transaction, error)
	MarkTransactionSucceeded(ctx context.Context, tx pgx.Tx, transactionID, providerEventID string) error
	SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status Status, expiresAt *time.Time) error
	MarkListingSold(ctx context.Context, tx pgx.Tx, listingID string) error
	HasDispute(ctx context.Context, tx pgx.Tx, orderID string) (bool, error)
	RecordReconciliation(ctx context.Context, tx pgx.Tx, kind, orderID, listingID string, detail map[string]any) error
	SellerAccount(ctx context.Context, sellerID string) (*string, error)
}

// PayloadRevealer is the vault surface the engine needs for disclosure.
type PayloadRevealer interface {
	Reveal(ctx context.Context, listingID string) (string, error)
}

// Service owns the order status state machine. All transitions run as single
// transactions against the ledger store.
type Service struct {
	pool     TxBeginner
	repo     Ledger
	provider payment.Provider
	vault    PayloadRevealer
	feeBps   int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the lifecycle engine. feeBps is the platform fee in basis
// points withheld from settlement transfers.
func NewService(pool TxBeginner, repo Ledger, provider payment.Provider, vault PayloadRevealer, feeBps int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		provider: provider,
		vault:    vault,
		feeBps:   feeBps,
		logger:   logger.With("component", "order"),
		now:      time.Now,
	}
}

// CreateOrder opens a pending order for the buyer and registers a payment
// intent with the provider. Listing availability is only advisory here:
// competing pending orders are allowed, and the first confirmed payment wins
// at confirm time.
func (s *Service) CreateOrder(ctx context.Context, buyerID, listingID string) (Order, error) {
	listing, err := s.repo.FindListing(ctx, listingID)
	if err != nil {
		return Order{}, err
	}
	if listing.Status != "available" {
		return Order{}, fault.InvalidState("listing", listing.Status)
	}
	if listing.SellerID == buyerID {
		return Order{}, fmt.Errorf("order: buyer owns listing: %w", fault.ErrSelfTrade)
	}

	providerRef, err := s.provider.CreateIntent(ctx, listing.PriceCents, listing.Currency, listingID)
	if err != nil {
		return Order{}, fmt.Errorf("order: create intent: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.repo.InsertOrder(ctx, tx, CreateRecord{
		BuyerID:    buyerID,
		ListingID:  listingID,
		TotalCents: listing.PriceCents,
		Currency:   listing.Currency,
	})
	if err != nil {
		return Order{}, err
	}

	if err := s.repo.InsertTransaction(ctx, tx, TransactionRecord{
		OrderID:     order.ID,
		Provider:    "default",
		ProviderRef: providerRef,
		AmountCents: order.TotalCents,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit create: %w", err)
	}

	s.logger.InfoContext(ctx, "order created",
		"order_id", order.ID, "listing_id", listingID, "buyer_id", buyerID, "total_cents", order.TotalCents)
	return order, nil
}

// ConfirmPayment applies a provider payment-success event exactly once.
// Replays return fault.ErrAlreadyProcessed, which the webhook path absorbs as
// success. The first application marks the transaction succeeded, the order
// paid, and the listing sold, and opens the buyer verification window. A
// listing already sold by a racing order does not void the payment: the order
// is still honored and the race lands in the reconciliation ledger.
func (s *Service) ConfirmPayment(ctx context.Context, providerEventID, orderID string) error {
	if providerEventID == "" {
		return fmt.Errorf("order: missing provider event id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	txn, err := s.repo.GetTransactionForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if txn.Status == TransactionSucceeded {
		return fault.ErrAlreadyProcessed
	}
	if ord.Status != StatusPending {
		return fault.InvalidState("order", string(ord.Status))
	}

	if err := s.repo.MarkTransactionSucceeded(ctx, tx, txn.ID, providerEventID); err != nil {
		if errors.Is(err, ErrEventReplayed) {
			return fault.ErrAlreadyProcessed
		}
		return err
	}

	listing, err := s.repo.GetListingForUpdate(ctx, tx, ord.ListingID)
	if err != nil {
		return err
	}
	if listing.Status == "available" {
		if err := s.repo.MarkListingSold(ctx, tx, listing.ID); err != nil {
			return err
		}
	} else {
		// First payment won the listing; this one is captured money we must
		// not lose. Surface it for out-of-band reconciliation.
		if err := s.repo.RecordReconciliation(ctx, tx, ReconDoubleSold, ord.ID, listing.ID, map[string]any{
			"listing_status":    listing.Status,
			"provider_event_id": providerEventID,
		}); err != nil {
			return err
		}
		metrics.DoubleSold(ctx, listing.ID)
		s.logger.WarnContext(ctx, "payment confirmed on unavailable listing",
			"order_id", ord.ID, "listing_id", listing.ID, "listing_status", listing.Status)
	}

	expires := s.now().Add(VerificationWindow)
	if err := s.repo.SetOrderStatus(ctx, tx, ord.ID, StatusPaid, &expires); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit confirm: %w", err)
	}

	s.logger.InfoContext(ctx, "payment confirmed",
		"order_id", ord.ID, "provider_event_id", providerEventID)
	return nil
}

// AcknowledgeDelivery records the buyer's receipt of the credentials and
// restarts the escrow window as the dispute window.
func (s *Service) AcknowledgeDelivery(ctx context.Context, orderID, buyerID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if ord.BuyerID != buyerID {
		return Order{}, fault.Forbidden("acknowledge delivery")
	}
	if ord.Status != StatusPaid {
		return Order{}, fault.InvalidState("order", string(ord.Status))
	}

	expires := s.now().Add(VerificationWindow)
	if err := s.repo.SetOrderStatus(ctx, tx, ord.ID, StatusDelivered, &expires); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit ack: %w", err)
	}

	ord.Status = StatusDelivered
	ord.ExpiresAt = &expires
	return ord, nil
}

// DisclosedCredentials returns the decrypted payload iff the caller is the
// order's buyer and the order is in a disclosure-eligible status. Every other
// combination yields absence, not an error, so callers cannot probe order
// state through error text.
func (s *Service) DisclosedCredentials(ctx context.Context, orderID, callerID string) (string, bool, error) {
	ord, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	if ord.BuyerID != callerID || !ord.Status.Disclosable() {
		return "", false, nil
	}

	plaintext, err := s.vault.Reveal(ctx, ord.ListingID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			// Listing carries no payload; absence, not failure.
			return "", false, nil
		}
		return "", false, err
	}
	return plaintext, true, nil
}

// Get returns an order to a participant or admin.
func (s *Service) Get(ctx context.Context, orderID, callerID string, isAdmin bool) (Order, error) {
	ord, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if isAdmin || ord.BuyerID == callerID {
		return ord, nil
	}
	listing, err := s.repo.FindListing(ctx, ord.ListingID)
	if err != nil {
		return Order{}, err
	}
	if listing.SellerID != callerID {
		return Order{}, fault.Forbidden("view order")
	}
	return ord, nil
}

// Settle completes an order whose escrow window has elapsed and requests the
// seller transfer. A dispute on record, or a status already terminal, skips
// silently; the dispute check runs inside the same transaction as the
// complete transition. Transfer failures never revert the completed state:
// they land in the reconciliation ledger for manual processing.
func (s *Service) Settle(ctx context.Context, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	switch ord.Status {
	case StatusPaid, StatusDelivered:
		// settle below
	case StatusDisputed, StatusComplete, StatusRefunded:
		return nil
	default:
		return fault.InvalidState("order", string(ord.Status))
	}

	disputed, err := s.repo.HasDispute(ctx, tx, ord.ID)
	if err != nil {
		return err
	}
	if disputed {
		return nil
	}

	if ord.ExpiresAt == nil || ord.ExpiresAt.After(s.now()) {
		return fault.InvalidState("order", "escrow window still open")
	}

	if err := s.repo.SetOrderStatus(ctx, tx, ord.ID, StatusComplete, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit settle: %w", err)
	}

	metrics.OrderSettled(ctx)
	s.logger.InfoContext(ctx, "order settled", "order_id", ord.ID)

	s.transferToSeller(ctx, ord)
	return nil
}

// transferToSeller pushes the seller's share after settlement. The order is
// already complete; failures are recorded, never propagated.
func (s *Service) transferToSeller(ctx context.Context, ord Order) {
	amount := ord.TotalCents - ord.TotalCents*s.feeBps/10000

	listing, err := s.repo.FindListing(ctx, ord.ListingID)
	if err != nil {
		s.recordTransferFailure(ctx, ord, amount, "listing lookup: "+err.Error())
		return
	}
	accountRef, err := s.repo.SellerAccount(ctx, listing.SellerID)
	if err != nil {
		s.recordTransferFailure(ctx, ord, amount, "seller lookup: "+err.Error())
		return
	}
	if accountRef == nil {
		s.recordTransferFailure(ctx, ord, amount, "seller has no payout account")
		return
	}

	if err := s.provider.Transfer(ctx, *accountRef, amount); err != nil {
		s.recordTransferFailure(ctx, ord, amount, err.Error())
	}
}

func (s *Service) recordTransferFailure(ctx context.Context, ord Order, amount int64, reason string) {
	metrics.TransferFailed(ctx, ord.ID)
	s.logger.ErrorContext(ctx, "settlement transfer failed",
		"order_id", ord.ID, "amount_cents", amount, "reason", reason)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "record transfer failure", "order_id", ord.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx)

	if err := s.repo.RecordReconciliation(ctx, tx, ReconTransferFailed, ord.ID, ord.ListingID, map[string]any{
		"amount_cents": amount,
		"reason":       reason,
	}); err != nil {
		s.logger.ErrorContext(ctx, "record transfer failure", "order_id", ord.ID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "record transfer failure", "order_id", ord.ID, "error", err)
	}
}
