package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

const payoutColumns = `id, seller_id, amount_cents, status::text, provider_ref, created_at, updated_at`

// Repository provides data access for payouts and balance sums.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LockSeller serializes concurrent payout requests for one seller so the
// available-balance check and the insert see a consistent ledger.
func (r *Repository) LockSeller(ctx context.Context, tx pgx.Tx, sellerID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, sellerID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.NotFound("seller")
		}
		return fmt.Errorf("payout: lock seller: %w", err)
	}
	return nil
}

// AvailableCents sums the seller's settled earnings minus every payout that
// has not failed. Requested and processing payouts count as spent so a burst
// of requests cannot overdraw.
func (r *Repository) AvailableCents(ctx context.Context, tx pgx.Tx, sellerID string) (int64, error) {
	var available int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT SUM(o.total_cents)
			FROM orders o
			JOIN listings l ON l.id = o.listing_id
			WHERE l.seller_id = $1 AND o.status = 'complete'
		), 0) - COALESCE((
			SELECT SUM(p.amount_cents)
			FROM payouts p
			WHERE p.seller_id = $1 AND p.status <> 'failed'
		), 0)
	`, sellerID).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("payout: sum available: %w", err)
	}
	return available, nil
}

// PendingCents sums delivered-order totals still inside their escrow window.
func (r *Repository) PendingCents(ctx context.Context, sellerID string) (int64, error) {
	var pending int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(o.total_cents), 0)
		FROM orders o
		JOIN listings l ON l.id = o.listing_id
		WHERE l.seller_id = $1 AND o.status = 'delivered'
	`, sellerID).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("payout: sum pending: %w", err)
	}
	return pending, nil
}

// SellerExists reports whether the seller row is present.
func (r *Repository) SellerExists(ctx context.Context, sellerID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, sellerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payout: check seller: %w", err)
	}
	return exists, nil
}

// AvailableCentsRead is the pool-read variant of AvailableCents for the
// balance endpoint, which does not mutate and takes no locks.
func (r *Repository) AvailableCentsRead(ctx context.Context, sellerID string) (int64, error) {
	var available int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT SUM(o.total_cents)
			FROM orders o
			JOIN listings l ON l.id = o.listing_id
			WHERE l.seller_id = $1 AND o.status = 'complete'
		), 0) - COALESCE((
			SELECT SUM(p.amount_cents)
			FROM payouts p
			WHERE p.seller_id = $1 AND p.status <> 'failed'
		), 0)
	`, sellerID).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("payout: sum available: %w", err)
	}
	return available, nil
}

// InsertPayout creates a requested payout inside the locking transaction.
func (r *Repository) InsertPayout(ctx context.Context, tx pgx.Tx, sellerID string, amountCents int64) (Payout, error) {
	var p Payout
	err := tx.QueryRow(ctx, `
		INSERT INTO payouts (seller_id, amount_cents)
		VALUES ($1, $2)
		RETURNING `+payoutColumns, sellerID, amountCents).
		Scan(&p.ID, &p.SellerID, &p.AmountCents, &p.Status, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payout{}, fmt.Errorf("payout: insert: %w", err)
	}
	return p, nil
}

// GetForUpdate locks and returns the payout row.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, payoutID string) (Payout, error) {
	var p Payout
	err := tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, payoutID).
		Scan(&p.ID, &p.SellerID, &p.AmountCents, &p.Status, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, fault.NotFound("payout")
		}
		return Payout{}, fmt.Errorf("payout: load: %w", err)
	}
	return p, nil
}

// SetStatus applies the admin decision to the payout row.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, payoutID string, status Status, providerRef *string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE payouts
		SET status = $2::payout_status, provider_ref = COALESCE($3, provider_ref), updated_at = get_tx_timestamp()
		WHERE id = $1
	`, payoutID, string(status), providerRef); err != nil {
		return fmt.Errorf("payout: set status: %w", err)
	}
	return nil
}

// ListForSeller returns the seller's payouts, newest first.
func (r *Repository) ListForSeller(ctx context.Context, sellerID string) ([]Payout, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("payout: list: %w", err)
	}
	defer rows.Close()

	out := make([]Payout, 0, 8)
	for rows.Next() {
		var p Payout
		if err := rows.Scan(&p.ID, &p.SellerID, &p.AmountCents, &p.Status, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("payout: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payout: iterate: %w", err)
	}
	return out, nil
}
