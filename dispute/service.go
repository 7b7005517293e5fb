package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"credflow/auth"
	"credflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the data access required by the dispute engine.
type Ledger interface {
	GetOrderForDispute(ctx context.Context, tx pgx.Tx, orderID string) (OrderInfo, error)
	InsertDispute(ctx context.Context, tx pgx.Tx, orderID, openerID, reason string) (Record, error)
	GetByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Record, error)
	SetDisputeStatus(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolvedAt time.Time) error
	SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID, status string) error
	ListForUser(ctx context.Context, userID string) ([]Record, error)
}

// Service arbitrates disputes. Opening one freezes the sweeper's claim on the
// order; only an admin verdict releases it.
type Service struct {
	pool   TxBeginner
	repo   Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the dispute engine.
func NewService(pool TxBeginner, repo Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		logger: logger.With("component", "dispute"),
		now:    time.Now,
	}
}

// Open files a dispute on a paid or delivered order. Only the order's buyer
// or the listing's seller may open one, and only one may exist per order.
func (s *Service) Open(ctx context.Context, orderID, openerID, reason string) (Record, error) {
	if reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	info, err := s.repo.GetOrderForDispute(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if openerID != info.BuyerID && openerID != info.SellerID {
		return Record{}, fault.Forbidden("open dispute")
	}
	if info.Status != "paid" && info.Status != "delivered" {
		return Record{}, fault.InvalidState("order", info.Status)
	}

	rec, err := s.repo.InsertDispute(ctx, tx, orderID, openerID, reason)
	if err != nil {
		return Record{}, err
	}
	if err := s.repo.SetOrderStatus(ctx, tx, orderID, "disputed"); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute opened",
		"dispute_id", rec.ID, "order_id", orderID, "opener_id", openerID)
	return rec, nil
}

// Resolve applies an admin verdict to an open dispute. Buyer and refund both
// refund the order; seller completes it.
func (s *Service) Resolve(ctx context.Context, orderID string, actor auth.Actor, resolution Resolution) (Record, error) {
	if !actor.IsAdmin() {
		return Record{}, fault.Forbidden("resolve dispute")
	}
	if !resolution.Valid() {
		return Record{}, fmt.Errorf("dispute: unknown resolution %q", resolution)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetByOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen {
		return Record{}, fault.InvalidState("dispute", string(rec.Status))
	}

	var (
		disputeStatus Status
		orderStatus   string
	)
	if resolution == ResolutionSeller {
		disputeStatus = StatusResolvedSeller
		orderStatus = "complete"
	} else {
		disputeStatus = StatusRefunded
		orderStatus = "refunded"
	}

	resolvedAt := s.now()
	if err := s.repo.SetDisputeStatus(ctx, tx, rec.ID, disputeStatus, resolvedAt); err != nil {
		return Record{}, err
	}
	if err := s.repo.SetOrderStatus(ctx, tx, orderID, orderStatus); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	rec.Status = disputeStatus
	rec.ResolvedAt = &resolvedAt
	s.logger.InfoContext(ctx, "dispute resolved",
		"dispute_id", rec.ID, "order_id", orderID, "resolution", string(resolution), "admin_id", actor.ID)
	return rec, nil
}

// List returns disputes visible to the user, as buyer or seller.
func (s *Service) List(ctx context.Context, userID string) ([]Record, error) {
	return s.repo.ListForUser(ctx, userID)
}
