package main

import (
	"context"
	"encoding/hex"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"credflow/auth"
	"credflow/cart"
	"credflow/catalog"
	"credflow/db"
	"credflow/dispute"
	"credflow/order"
	"credflow/payment"
	"credflow/payout"
	"credflow/sweeper"
	"credflow/vault"
)

type config struct {
	databaseURL    string
	listenAddr     string
	jwtSecret      string
	vaultKey       []byte
	webhookSecret  string
	payoutCeiling  int64
	platformFeeBps int64
	sweepInterval  time.Duration
}

func loadConfig() config {
	cfg := config{
		databaseURL:    os.Getenv("DATABASE_URL"),
		listenAddr:     ":8080",
		jwtSecret:      os.Getenv("JWT_SECRET"),
		webhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		payoutCeiling:  1_000_000,
		platformFeeBps: 1000,
		sweepInterval:  sweeper.DefaultInterval,
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.listenAddr = ":" + port
	}
	if cfg.jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if cfg.webhookSecret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}

	key, err := hex.DecodeString(os.Getenv("VAULT_KEY"))
	if err != nil || len(key) != vault.KeySize {
		log.Fatalf("VAULT_KEY must be %d hex-encoded bytes", vault.KeySize)
	}
	cfg.vaultKey = key

	if raw := os.Getenv("PAYOUT_CEILING_CENTS"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			log.Fatalf("invalid PAYOUT_CEILING_CENTS %q", raw)
		}
		cfg.payoutCeiling = n
	}
	if raw := os.Getenv("PLATFORM_FEE_BPS"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 || n > 10_000 {
			log.Fatalf("invalid PLATFORM_FEE_BPS %q", raw)
		}
		cfg.platformFeeBps = n
	}
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SWEEP_INTERVAL %q", raw)
		}
		cfg.sweepInterval = d
	}
	return cfg
}

func main() {
	ctx := context.Background()
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	vaultService, err := vault.NewService(pool, cfg.vaultKey)
	if err != nil {
		log.Fatalf("bootstrap vault: %v", err)
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)
	catalogService := catalog.NewService(catalog.NewRepository(pool))
	provider := payment.NewLocalProvider(logger)
	orderRepo := order.NewRepository(pool)
	orderService := order.NewService(pool, orderRepo, provider, vaultService, cfg.platformFeeBps, logger)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), logger)
	payoutService := payout.NewService(pool, payout.NewRepository(pool), cfg.payoutCeiling, logger)

	server := &Server{
		authService:    authService,
		catalogService: catalogService,
		vaultService:   vaultService,
		orderService:   orderService,
		disputeService: disputeService,
		payoutService:  payoutService,
		cartStore:      cart.NewStore(pool),
		webhook:        payment.NewWebhookHandler(cfg.webhookSecret, orderService, logger),
		logger:         logger,
	}

	// The API process carries its own sweep loop; cmd/sweeper runs the same
	// job standalone for deployments that separate the concerns.
	sweep := sweeper.New(orderRepo, orderService, cfg.sweepInterval, logger)
	go sweep.Run(ctx)

	logger.Info("api listening", "addr", cfg.listenAddr)
	if err := http.ListenAndServe(cfg.listenAddr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
