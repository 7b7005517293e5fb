package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

// Item is a buyer's staged listing. Each buyer holds at most one.
type Item struct {
	BuyerID   string    `json:"buyer_id"`
	ListingID string    `json:"listing_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps cart state in the carts table, keyed by buyer, so concurrent
// API replicas never share in-process state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgxpool-backed cart store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Put stages a listing for the buyer, replacing whatever was there.
func (s *Store) Put(ctx context.Context, buyerID, listingID string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO carts (buyer_id, listing_id)
		VALUES ($1, $2)
		ON CONFLICT (buyer_id) DO UPDATE
		SET listing_id = EXCLUDED.listing_id, updated_at = get_tx_timestamp()
	`, buyerID, listingID); err != nil {
		return fmt.Errorf("cart: put: %w", err)
	}
	return nil
}

// Get returns the buyer's staged item.
func (s *Store) Get(ctx context.Context, buyerID string) (Item, error) {
	var item Item
	err := s.pool.QueryRow(ctx, `
		SELECT buyer_id, listing_id, updated_at FROM carts WHERE buyer_id = $1
	`, buyerID).Scan(&item.BuyerID, &item.ListingID, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fault.NotFound("cart")
		}
		return Item{}, fmt.Errorf("cart: get: %w", err)
	}
	return item, nil
}

// Clear drops the buyer's cart. Clearing an empty cart is a no-op.
func (s *Store) Clear(ctx context.Context, buyerID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM carts WHERE buyer_id = $1`, buyerID); err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}
	return nil
}
