package catalog

import "context"

// ListingReader abstracts repository reads for collaborating services.
type ListingReader interface {
	GetByID(ctx context.Context, id string) (Listing, error)
	ListAvailable(ctx context.Context, limit int) ([]Listing, error)
}

// Service exposes business-level listing operations.
type Service struct {
	repo *Repository
}

// NewService builds a Service using the provided repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// Create publishes a new listing for the seller.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	return s.repo.Create(ctx, params)
}

// GetByID returns the listing for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Listing, error) {
	return s.repo.GetByID(ctx, id)
}

// ListAvailable returns up to limit available listings.
func (s *Service) ListAvailable(ctx context.Context, limit int) ([]Listing, error) {
	return s.repo.ListAvailable(ctx, limit)
}

// Delist withdraws the seller's own available listing.
func (s *Service) Delist(ctx context.Context, listingID, sellerID string) (Listing, error) {
	return s.repo.Delist(ctx, listingID, sellerID)
}
