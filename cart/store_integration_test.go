package cart

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credflow/fault"
)

// TestStore_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies the single-slot-per-buyer semantics end to end.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'carts')`).
		Scan(&exists))
	if !exists {
		t.Skip("database schema missing; apply migrations/001_schema.sql first")
	}

	// Seed a buyer, a seller and two listings.
	suffix := time.Now().UnixNano()
	var buyerID, sellerID, listingA, listingB string
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name) VALUES ($1, 'Cart Buyer') RETURNING id`,
		fmt.Sprintf("buyer+%d@example.com", suffix)).Scan(&buyerID))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name) VALUES ($1, 'Cart Seller') RETURNING id`,
		fmt.Sprintf("seller+%d@example.com", suffix)).Scan(&sellerID))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO listings (seller_id, title, price_cents) VALUES ($1, 'AWS cert voucher', 4900) RETURNING id`,
		sellerID).Scan(&listingA))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO listings (seller_id, title, price_cents) VALUES ($1, 'CKA voucher', 5900) RETURNING id`,
		sellerID).Scan(&listingB))

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM carts WHERE buyer_id = $1`, buyerID)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id IN ($1, $2)`, listingA, listingB)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, buyerID, sellerID)
	})

	store := NewStore(pool)

	_, err = store.Get(ctx, buyerID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, store.Put(ctx, buyerID, listingA))
	item, err := store.Get(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, listingA, item.ListingID)

	// A second put replaces the slot instead of adding a row.
	require.NoError(t, store.Put(ctx, buyerID, listingB))
	item, err = store.Get(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, listingB, item.ListingID)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM carts WHERE buyer_id = $1`, buyerID).Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, store.Clear(ctx, buyerID))
	_, err = store.Get(ctx, buyerID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	// Clearing again is a no-op.
	require.NoError(t, store.Clear(ctx, buyerID))
}
