package payout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"credflow/auth"
	"credflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the data access required by the payout engine.
type Ledger interface {
	LockSeller(ctx context.Context, tx pgx.Tx, sellerID string) error
	AvailableCents(ctx context.Context, tx pgx.Tx, sellerID string) (int64, error)
	AvailableCentsRead(ctx context.Context, sellerID string) (int64, error)
	PendingCents(ctx context.Context, sellerID string) (int64, error)
	SellerExists(ctx context.Context, sellerID string) (bool, error)
	InsertPayout(ctx context.Context, tx pgx.Tx, sellerID string, amountCents int64) (Payout, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, payoutID string) (Payout, error)
	SetStatus(ctx context.Context, tx pgx.Tx, payoutID string, status Status, providerRef *string) error
	ListForSeller(ctx context.Context, sellerID string) ([]Payout, error)
}

// Service manages seller balances and payout requests.
type Service struct {
	pool         TxBeginner
	repo         Ledger
	ceilingCents int64
	logger       *slog.Logger
}

// NewService wires the payout engine. ceilingCents caps a single request.
func NewService(pool TxBeginner, repo Ledger, ceilingCents int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		ceilingCents: ceilingCents,
		logger:       logger.With("component", "payout"),
	}
}

// Balance returns the seller's available and pending sums.
func (s *Service) Balance(ctx context.Context, sellerID string) (Balance, error) {
	exists, err := s.repo.SellerExists(ctx, sellerID)
	if err != nil {
		return Balance{}, err
	}
	if !exists {
		return Balance{}, fault.NotFound("seller")
	}

	available, err := s.repo.AvailableCentsRead(ctx, sellerID)
	if err != nil {
		return Balance{}, err
	}
	pending, err := s.repo.PendingCents(ctx, sellerID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{SellerID: sellerID, AvailableCents: available, PendingCents: pending}, nil
}

// RequestPayout creates a requested payout after validating the amount
// against the ceiling and the seller's available balance. The seller row is
// locked so concurrent requests cannot both pass the balance check.
func (s *Service) RequestPayout(ctx context.Context, sellerID string, amountCents int64) (Payout, error) {
	if amountCents <= 0 {
		return Payout{}, fmt.Errorf("%w: amount must be positive", fault.ErrInvalidAmount)
	}
	if amountCents > s.ceilingCents {
		return Payout{}, fmt.Errorf("%w: amount exceeds ceiling of %d", fault.ErrInvalidAmount, s.ceilingCents)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payout{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockSeller(ctx, tx, sellerID); err != nil {
		return Payout{}, err
	}
	available, err := s.repo.AvailableCents(ctx, tx, sellerID)
	if err != nil {
		return Payout{}, err
	}
	if amountCents > available {
		return Payout{}, fmt.Errorf("%w: amount exceeds available balance of %d", fault.ErrInvalidAmount, available)
	}

	p, err := s.repo.InsertPayout(ctx, tx, sellerID, amountCents)
	if err != nil {
		return Payout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payout{}, fmt.Errorf("payout: commit request: %w", err)
	}

	s.logger.InfoContext(ctx, "payout requested",
		"payout_id", p.ID, "seller_id", sellerID, "amount_cents", amountCents)
	return p, nil
}

// ProcessPayout applies an admin decision to a requested payout. mark_paid
// stamps a provider reference; fail releases the amount back into the
// seller's available balance.
func (s *Service) ProcessPayout(ctx context.Context, payoutID string, actor auth.Actor, action Action) (Payout, error) {
	if !actor.IsAdmin() {
		return Payout{}, fault.Forbidden("process payout")
	}
	if !action.Valid() {
		return Payout{}, fmt.Errorf("payout: unknown action %q", action)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payout{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, payoutID)
	if err != nil {
		return Payout{}, err
	}
	if p.Status != StatusRequested {
		return Payout{}, fault.InvalidState("payout", string(p.Status))
	}

	var (
		status      Status
		providerRef *string
	)
	if action == ActionMarkPaid {
		status = StatusPaid
		ref := "po_" + uuid.NewString()
		providerRef = &ref
	} else {
		status = StatusFailed
	}

	if err := s.repo.SetStatus(ctx, tx, payoutID, status, providerRef); err != nil {
		return Payout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payout{}, fmt.Errorf("payout: commit process: %w", err)
	}

	p.Status = status
	if providerRef != nil {
		p.ProviderRef = providerRef
	}
	s.logger.InfoContext(ctx, "payout processed",
		"payout_id", p.ID, "action", string(action), "admin_id", actor.ID)
	return p, nil
}

// List returns the seller's payout history.
func (s *Service) List(ctx context.Context, sellerID string) ([]Payout, error) {
	return s.repo.ListForSeller(ctx, sellerID)
}
