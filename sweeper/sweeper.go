package sweeper

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval between sweeps when none is configured.
	DefaultInterval = 10 * time.Minute

	defaultBatchSize   = 500
	defaultConcurrency = 8
)

// Settler finalizes one due order. A settlement failure must leave the order
// untouched so a later sweep can retry it.
type Settler interface {
	Settle(ctx context.Context, orderID string) error
}

// DueLister selects orders whose escrow window has expired.
type DueLister interface {
	DueForSettlement(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Sweeper periodically settles orders whose verification window has passed.
// Each order settles in its own transaction so one failure never blocks the
// rest of the batch, and a re-run over already-settled orders is a no-op.
type Sweeper struct {
	due         DueLister
	settler     Settler
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New wires a sweeper with the default batch size and concurrency.
func New(due DueLister, settler Settler, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		due:         due,
		settler:     settler,
		interval:    interval,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "sweeper"),
		now:         time.Now,
	}
}

// Run sweeps on a fixed interval until the context is canceled. An immediate
// first sweep runs before the ticker starts.
func (s *Sweeper) Run(ctx context.Context) error {
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce settles every currently due order and reports how many succeeded.
func (s *Sweeper) SweepOnce(ctx context.Context) (settled int, failed int) {
	ids, err := s.due.DueForSettlement(ctx, s.now(), s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep: select due orders", "error", err)
		return 0, 0
	}
	if len(ids) == 0 {
		return 0, 0
	}

	results := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			// Errors are collected per order, never returned, so the
			// group keeps draining the batch.
			results[i] = s.settler.Settle(gctx, id)
			return nil
		})
	}
	g.Wait()

	for i, err := range results {
		if err != nil {
			failed++
			s.logger.WarnContext(ctx, "sweep: settle order", "order_id", ids[i], "error", err)
			continue
		}
		settled++
	}

	s.logger.InfoContext(ctx, "sweep complete", "due", len(ids), "settled", settled, "failed", failed)
	return settled, failed
}
