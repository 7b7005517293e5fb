package catalog

import "time"

// Status represents the lifecycle of a listing.
type Status string

const (
	StatusAvailable Status = "available"
	StatusSold      Status = "sold"
	StatusDelisted  Status = "delisted"
)

// Listing is a seller-owned sellable unit. The sold status is never written
// by this package: only a confirmed payment in the order engine flips it.
type Listing struct {
	ID               string
	SellerID         string
	Title            string
	PriceCents       int64
	Currency         string
	Status           Status
	HasSecurePayload bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateParams contains the seller-supplied fields for a new listing.
type CreateParams struct {
	SellerID   string
	Title      string
	PriceCents int64
	Currency   string
}
