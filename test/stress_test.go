package test

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	mrand "math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"credflow/dispute"
	"credflow/order"
	"credflow/payment"
	"credflow/payout"
	"credflow/sweeper"
	"credflow/test/actors"
	"credflow/test/chaos"
	"credflow/test/infra"
	"credflow/test/oracles"
	"credflow/vault"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actor sets")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends during the run")
)

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	mrand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if !dockerAvailable(ctx) {
			t.Skip("no docker and no DSN; set -dsn or STRESS_TEST_PG_DSN")
		}
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	masterKey := make([]byte, vault.KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	vaultSvc, err := vault.NewService(pool, masterKey)
	if err != nil {
		t.Fatalf("bootstrap vault: %v", err)
	}
	for _, listingID := range seedData.listingIDs {
		sellerID := seedData.listingSellers[listingID]
		if err := vaultSvc.Store(ctx, listingID, sellerID, "user:pass-"+listingID); err != nil {
			t.Fatalf("store payload: %v", err)
		}
	}

	provider := payment.NewLocalProvider(nil)
	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, orderRepo, provider, vaultSvc, 1000, nil)
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), nil)
	payoutSvc := payout.NewService(pool, payout.NewRepository(pool), 1_000_000_000, nil)
	sweep := sweeper.New(orderRepo, orderSvc, time.Minute, nil)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		buyerID := seedData.buyerIDs[i%len(seedData.buyerIDs)]
		g.Go(func() error {
			return actors.Buyer(ctx2, orderSvc, buyerID, seedData.listingIDs, stop)
		})
		g.Go(func() error { return actors.WebhookDeliverer(ctx2, pool, orderSvc, stop) })
	}
	g.Go(func() error { return actors.Acknowledger(ctx2, pool, orderSvc, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, pool, disputeSvc, seedData.adminID, stop) })
	g.Go(func() error { return actors.Expirer(ctx2, pool, stop) })
	g.Go(func() error { return actors.Settler(ctx2, sweep, stop) })
	g.Go(func() error {
		return actors.Withdrawer(ctx2, payoutSvc, seedData.sellerIDs, seedData.adminID, stop)
	})
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Final pass after the actors quiesce.
	if name, row, err := oracles.Run(context.Background(), pool); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		t.Fatalf("Final oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	adminID        string
	sellerIDs      []string
	buyerIDs       []string
	listingIDs     []string
	listingSellers map[string]string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{listingSellers: make(map[string]string)}
	suffix := mrand.Int63()

	if err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, role) VALUES ($1, 'Stress Admin', 'admin') RETURNING id`,
		fmt.Sprintf("admin%d@example.com", suffix)).Scan(&s.adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	for i := 0; i < 3; i++ {
		var sellerID string
		if err := pool.QueryRow(ctx, `
			INSERT INTO users (email, full_name, payout_account_ref)
			VALUES ($1, 'Stress Seller', $2) RETURNING id
		`, fmt.Sprintf("seller%d-%d@example.com", i, suffix), fmt.Sprintf("acct_%d_%d", i, suffix)).Scan(&sellerID); err != nil {
			t.Fatalf("seed seller: %v", err)
		}
		s.sellerIDs = append(s.sellerIDs, sellerID)

		for j := 0; j < 10; j++ {
			var listingID string
			if err := pool.QueryRow(ctx, `
				INSERT INTO listings (seller_id, title, price_cents)
				VALUES ($1, $2, $3) RETURNING id
			`, sellerID, fmt.Sprintf("Voucher %d-%d", i, j), int64(1000+mrand.Intn(9000))).Scan(&listingID); err != nil {
				t.Fatalf("seed listing: %v", err)
			}
			s.listingIDs = append(s.listingIDs, listingID)
			s.listingSellers[listingID] = sellerID
		}
	}

	for i := 0; i < 4; i++ {
		var buyerID string
		if err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name) VALUES ($1, 'Stress Buyer') RETURNING id`,
			fmt.Sprintf("buyer%d-%d@example.com", i, suffix)).Scan(&buyerID); err != nil {
			t.Fatalf("seed buyer: %v", err)
		}
		s.buyerIDs = append(s.buyerIDs, buyerID)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"orders", `SELECT id, listing_id, status, expires_at FROM orders ORDER BY updated_at DESC LIMIT 50`},
		{"transactions", `SELECT id, order_id, status, provider_event_id FROM transactions ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, order_id, status, resolved_at FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"payouts", `SELECT id, seller_id, amount_cents, status FROM payouts ORDER BY updated_at DESC LIMIT 50`},
		{"reconciliation_events", `SELECT id, kind, order_id, listing_id FROM reconciliation_events ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
