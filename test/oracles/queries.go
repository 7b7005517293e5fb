// Package oracles holds the SQL invariants the stress harness checks while
// the actors run. A returned row is a violation.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// An open dispute must freeze the order: settlement and refunds
			// wait for the verdict.
			Name: "O1_open_dispute_freezes_order",
			SQL: `SELECT o.id, o.status FROM orders o
                  JOIN disputes d ON d.order_id = o.id
                  WHERE d.status = 'open' AND o.status IN ('complete', 'refunded')`,
		},
		{
			// A sold listing exists only because some payment succeeded.
			Name: "O2_sold_listing_has_succeeded_payment",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'sold'
                    AND NOT EXISTS (
                      SELECT 1 FROM transactions t
                      JOIN orders o ON o.id = t.order_id
                      WHERE o.listing_id = l.id AND t.status = 'succeeded')`,
		},
		{
			// The first succeeded payment marks the listing sold in the same
			// transaction; a succeeded payment on a still-available listing
			// means that write was lost.
			Name: "O3_succeeded_payment_marks_listing",
			SQL: `SELECT t.id, l.id, l.status FROM transactions t
                  JOIN orders o ON o.id = t.order_id
                  JOIN listings l ON l.id = o.listing_id
                  WHERE t.status = 'succeeded' AND l.status = 'available'`,
		},
		{
			// provider_event_id is stamped exactly when the transaction
			// succeeds, never on an initiated or failed record.
			Name: "O4_event_id_only_on_success",
			SQL: `SELECT id, status FROM transactions
                  WHERE provider_event_id IS NOT NULL AND status <> 'succeeded'`,
		},
		{
			// Orders inside the lifecycle carry an escrow deadline.
			Name: "O5_active_order_has_deadline",
			SQL: `SELECT id, status FROM orders
                  WHERE status IN ('paid', 'delivered') AND expires_at IS NULL`,
		},
		{
			// Payout requests are validated against the available balance
			// under a seller lock, so no seller can ever be overdrawn.
			Name: "O6_balance_non_negative",
			SQL: `SELECT s.seller_id, s.earned - s.withdrawn AS available FROM (
                    SELECT u.id AS seller_id,
                      COALESCE((SELECT SUM(o.total_cents) FROM orders o
                                JOIN listings l ON l.id = o.listing_id
                                WHERE l.seller_id = u.id AND o.status = 'complete'), 0) AS earned,
                      COALESCE((SELECT SUM(p.amount_cents) FROM payouts p
                                WHERE p.seller_id = u.id AND p.status <> 'failed'), 0) AS withdrawn
                    FROM users u) s
                  WHERE s.earned - s.withdrawn < 0`,
		},
		{
			// An order past pending always has a payment record behind it.
			Name: "O7_progressed_order_has_payment",
			SQL: `SELECT o.id, o.status FROM orders o
                  WHERE o.status <> 'pending'
                    AND NOT EXISTS (
                      SELECT 1 FROM transactions t
                      WHERE t.order_id = o.id AND t.status = 'succeeded')`,
		},
		{
			// Every second confirmed payment on the same listing must leave a
			// double-sold trace; equivalently, at most one sold-marking order
			// per listing escapes the reconciliation ledger.
			Name: "O8_double_sold_recorded",
			SQL: `SELECT o.listing_id, COUNT(*) FROM orders o
                  JOIN transactions t ON t.order_id = o.id AND t.status = 'succeeded'
                  WHERE NOT EXISTS (
                    SELECT 1 FROM reconciliation_events r
                    WHERE r.kind = 'double_sold' AND r.order_id = o.id)
                  GROUP BY o.listing_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
