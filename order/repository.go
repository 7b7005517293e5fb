package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

// ErrEventReplayed is returned when a provider event id was already recorded
// on some transaction. The service folds it into fault.ErrAlreadyProcessed.
var ErrEventReplayed = errors.New("order: provider event already recorded")

// CreateRecord contains the insert parameters for a new order.
type CreateRecord struct {
	BuyerID    string
	ListingID  string
	TotalCents int64
	Currency   string
}

// TransactionRecord contains the insert parameters for a payment record.
type TransactionRecord struct {
	OrderID     string
	Provider    string
	ProviderRef string
	AmountCents int64
}

const orderColumns = `id, buyer_id, listing_id, total_cents, currency, status::text, expires_at, created_at, updated_at`

// Repository is the order engine's ledger access. Read methods run on the
// pool; mutating methods take the caller's transaction so every lifecycle
// operation stays a single atomic unit.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindOrder fetches an order without locking.
func (r *Repository) FindOrder(ctx context.Context, orderID string) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

// FindListing fetches the engine's listing view without locking.
func (r *Repository) FindListing(ctx context.Context, listingID string) (Listing, error) {
	return scanListing(r.pool.QueryRow(ctx, `
		SELECT id, seller_id, price_cents, currency, status::text, has_secure_payload
		FROM listings WHERE id = $1`, listingID))
}

// GetOrderForUpdate locks and returns the order row.
func (r *Repository) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Order, error) {
	return scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

// GetListingForUpdate locks and returns the listing row.
func (r *Repository) GetListingForUpdate(ctx context.Context, tx pgx.Tx, listingID string) (Listing, error) {
	return scanListing(tx.QueryRow(ctx, `
		SELECT id, seller_id, price_cents, currency, status::text, has_secure_payload
		FROM listings WHERE id = $1 FOR UPDATE`, listingID))
}

// InsertOrder creates a pending order.
func (r *Repository) InsertOrder(ctx context.Context, tx pgx.Tx, rec CreateRecord) (Order, error) {
	order, err := scanOrder(tx.QueryRow(ctx, `
		INSERT INTO orders (buyer_id, listing_id, total_cents, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING `+orderColumns, rec.BuyerID, rec.ListingID, rec.TotalCents, rec.Currency))
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return order, nil
}

// InsertTransaction creates an initiated payment record for the order.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, rec TransactionRecord) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (order_id, provider, provider_ref, amount_cents)
		VALUES ($1, $2, $3, $4)
	`, rec.OrderID, rec.Provider, rec.ProviderRef, rec.AmountCents); err != nil {
		return fmt.Errorf("order: insert transaction: %w", err)
	}
	return nil
}

// GetTransactionForUpdate locks and returns the order's newest payment record.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Transaction, error) {
	var t Transaction
	err := tx.QueryRow(ctx, `
		SELECT id, order_id, provider, provider_ref, provider_event_id, amount_cents, status::text, created_at, updated_at
		FROM transactions
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, orderID).Scan(&t.ID, &t.OrderID, &t.Provider, &t.ProviderRef, &t.ProviderEventID, &t.AmountCents, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fault.NotFound("transaction")
		}
		return Transaction{}, fmt.Errorf("order: load transaction: %w", err)
	}
	return t, nil
}

// MarkTransactionSucceeded applies the single terminal update to a payment
// record. The provider_event_id unique index rejects a replayed event that
// raced past the status check.
func (r *Repository) MarkTransactionSucceeded(ctx context.Context, tx pgx.Tx, transactionID, providerEventID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = 'succeeded', provider_event_id = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'initiated'
	`, transactionID, providerEventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEventReplayed
		}
		return fmt.Errorf("order: mark transaction succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventReplayed
	}
	return nil
}

// SetOrderStatus updates the order status and escrow deadline.
func (r *Repository) SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status Status, expiresAt *time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2::order_status, expires_at = $3, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, string(status), expiresAt); err != nil {
		return fmt.Errorf("order: set status %s: %w", status, err)
	}
	return nil
}

// MarkListingSold flips the listing to sold. Only the payment-confirmation
// path may call this.
func (r *Repository) MarkListingSold(ctx context.Context, tx pgx.Tx, listingID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE listings
		SET status = 'sold', updated_at = get_tx_timestamp()
		WHERE id = $1
	`, listingID); err != nil {
		return fmt.Errorf("order: mark listing sold: %w", err)
	}
	return nil
}

// HasDispute reports whether any dispute row exists for the order. Settle
// calls it inside the same transaction that performs the complete transition.
func (r *Repository) HasDispute(ctx context.Context, tx pgx.Tx, orderID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("order: check dispute: %w", err)
	}
	return exists, nil
}

// RecordReconciliation appends an anomaly to the secondary ledger.
func (r *Repository) RecordReconciliation(ctx context.Context, tx pgx.Tx, kind, orderID, listingID string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("order: marshal reconciliation detail: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reconciliation_events (kind, order_id, listing_id, detail)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4::jsonb)
	`, kind, orderID, listingID, body); err != nil {
		return fmt.Errorf("order: record reconciliation: %w", err)
	}
	return nil
}

// SellerAccount returns the seller's payout account reference, if set.
func (r *Repository) SellerAccount(ctx context.Context, sellerID string) (*string, error) {
	var ref *string
	if err := r.pool.QueryRow(ctx, `SELECT payout_account_ref FROM users WHERE id = $1`, sellerID).Scan(&ref); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("seller")
		}
		return nil, fmt.Errorf("order: seller account: %w", err)
	}
	return ref, nil
}

// DueForSettlement returns ids of orders the sweeper should settle: paid or
// delivered, past their deadline, with no dispute on record.
func (r *Repository) DueForSettlement(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT o.id
		FROM orders o
		WHERE o.status IN ('paid', 'delivered')
		  AND o.expires_at IS NOT NULL
		  AND o.expires_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.order_id = o.id)
		ORDER BY o.expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("order: select due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("order: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate due: %w", err)
	}
	return ids, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.BuyerID,
		&o.ListingID,
		&o.TotalCents,
		&o.Currency,
		&o.Status,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fault.NotFound("order")
		}
		return Order{}, fmt.Errorf("order: scan: %w", err)
	}
	return o, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(&l.ID, &l.SellerID, &l.PriceCents, &l.Currency, &l.Status, &l.HasSecurePayload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, fault.NotFound("listing")
		}
		return Listing{}, fmt.Errorf("order: scan listing: %w", err)
	}
	return l, nil
}
