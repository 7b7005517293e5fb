package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"

	"credflow/db"
	"credflow/order"
	"credflow/payment"
	"credflow/sweeper"
)

// Standalone settlement job. Runs the same sweep as the API's embedded loop
// on a cron schedule, for deployments that separate the concerns.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	feeBps := int64(1000)
	if raw := os.Getenv("PLATFORM_FEE_BPS"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 || n > 10_000 {
			log.Fatalf("invalid PLATFORM_FEE_BPS %q", raw)
		}
		feeBps = n
	}
	repo := order.NewRepository(pool)
	svc := order.NewService(pool, repo, payment.NewLocalProvider(logger), nil, feeBps, logger)
	sweep := sweeper.New(repo, svc, 0, logger)

	schedule := os.Getenv("SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "*/10 * * * *"
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		sweep.SweepOnce(ctx)
	}); err != nil {
		log.Fatalf("invalid SWEEP_SCHEDULE %q: %v", schedule, err)
	}

	logger.Info("sweeper scheduled", "schedule", schedule)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}
