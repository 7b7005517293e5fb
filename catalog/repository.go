package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

const listingColumns = `id, seller_id, title, price_cents, currency, status::text, has_secure_payload, created_at, updated_at`

// Repository provides data access to listings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an available listing owned by the seller.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.PriceCents <= 0 {
		return Listing{}, fmt.Errorf("listing price: %w", fault.ErrInvalidAmount)
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}

	insertSQL := `
		INSERT INTO listings (seller_id, title, price_cents, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + listingColumns

	listing, err := scanListing(r.pool.QueryRow(ctx, insertSQL, params.SellerID, params.Title, params.PriceCents, currency))
	if err != nil {
		return Listing{}, fmt.Errorf("catalog: insert listing: %w", err)
	}
	return listing, nil
}

// GetByID fetches a listing by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	selectSQL := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	listing, err := scanListing(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, fault.NotFound("listing")
		}
		return Listing{}, fmt.Errorf("catalog: query listing: %w", err)
	}
	return listing, nil
}

// ListAvailable fetches up to limit available listings, newest first.
func (r *Repository) ListAvailable(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	selectSQL := `SELECT ` + listingColumns + `
		FROM listings
		WHERE status = 'available'
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, selectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, limit)
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan listing: %w", err)
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate listings: %w", err)
	}

	return listings, nil
}

// Delist withdraws an available listing. Sold listings stay sold; the update
// predicate refuses anything not currently available.
func (r *Repository) Delist(ctx context.Context, listingID, sellerID string) (Listing, error) {
	const updateSQL = `
		UPDATE listings
		SET status = 'delisted', updated_at = get_tx_timestamp()
		WHERE id = $1 AND seller_id = $2 AND status = 'available'
		RETURNING ` + listingColumns

	listing, err := scanListing(r.pool.QueryRow(ctx, updateSQL, listingID, sellerID))
	if err == nil {
		return listing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("catalog: delist: %w", err)
	}

	// Distinguish missing, foreign, and wrong-status rows for the caller.
	existing, lookupErr := r.GetByID(ctx, listingID)
	if lookupErr != nil {
		return Listing{}, lookupErr
	}
	if existing.SellerID != sellerID {
		return Listing{}, fault.Forbidden("delist listing")
	}
	return Listing{}, fault.InvalidState("listing", string(existing.Status))
}

func scanListing(row pgx.Row) (Listing, error) {
	var listing Listing
	err := row.Scan(
		&listing.ID,
		&listing.SellerID,
		&listing.Title,
		&listing.PriceCents,
		&listing.Currency,
		&listing.Status,
		&listing.HasSecurePayload,
		&listing.CreatedAt,
		&listing.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}
