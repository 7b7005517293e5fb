package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

const disputeColumns = `id, order_id, opener_id, reason, status::text, created_at, updated_at, resolved_at`

// Repository provides data access for disputes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrderForDispute locks the order and returns the participants the engine
// authorizes against.
func (r *Repository) GetOrderForDispute(ctx context.Context, tx pgx.Tx, orderID string) (OrderInfo, error) {
	var info OrderInfo
	err := tx.QueryRow(ctx, `
		SELECT o.id, o.buyer_id, l.seller_id, o.status::text
		FROM orders o
		JOIN listings l ON l.id = o.listing_id
		WHERE o.id = $1
		FOR UPDATE OF o
	`, orderID).Scan(&info.ID, &info.BuyerID, &info.SellerID, &info.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderInfo{}, fault.NotFound("order")
		}
		return OrderInfo{}, fmt.Errorf("dispute: load order: %w", err)
	}
	return info, nil
}

// InsertDispute creates an open dispute. The unique order_id constraint
// rejects a second dispute for the same order.
func (r *Repository) InsertDispute(ctx context.Context, tx pgx.Tx, orderID, openerID, reason string) (Record, error) {
	var rec Record
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (order_id, opener_id, reason)
		VALUES ($1, $2, $3)
		RETURNING `+disputeColumns, orderID, openerID, reason).
		Scan(&rec.ID, &rec.OrderID, &rec.OpenerID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fault.Conflict("dispute")
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// GetByOrderForUpdate locks and returns the order's dispute.
func (r *Repository) GetByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Record, error) {
	var rec Record
	err := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 FOR UPDATE`, orderID).
		Scan(&rec.ID, &rec.OrderID, &rec.OpenerID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.NotFound("dispute")
		}
		return Record{}, fmt.Errorf("dispute: load: %w", err)
	}
	return rec, nil
}

// SetDisputeStatus applies the terminal verdict to the dispute row.
func (r *Repository) SetDisputeStatus(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolvedAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $2::dispute_status, resolved_at = $3, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, disputeID, string(status), resolvedAt); err != nil {
		return fmt.Errorf("dispute: set status: %w", err)
	}
	return nil
}

// SetOrderStatus flips the order as part of the same dispute transaction.
func (r *Repository) SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID, status string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2::order_status, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, status); err != nil {
		return fmt.Errorf("dispute: set order status: %w", err)
	}
	return nil
}

// ListForUser returns disputes where the user is the order's buyer or the
// listing's seller.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.id, d.order_id, d.opener_id, d.reason, d.status::text, d.created_at, d.updated_at, d.resolved_at
		FROM disputes d
		JOIN orders o ON o.id = d.order_id
		JOIN listings l ON l.id = o.listing_id
		WHERE o.buyer_id = $1 OR l.seller_id = $1
		ORDER BY d.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.OpenerID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
