// Package actors hosts the concurrent workloads the stress harness throws at
// the ledger. Every actor drives the real services; expected contention
// outcomes (replays, state races, duplicate disputes) are absorbed, anything
// else aborts the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/auth"
	"credflow/dispute"
	"credflow/fault"
	"credflow/order"
	"credflow/payout"
	"credflow/sweeper"
)

// expected filters the contention outcomes a healthy run produces.
func expected(err error) bool {
	return errors.Is(err, fault.ErrAlreadyProcessed) ||
		errors.Is(err, fault.ErrInvalidState) ||
		errors.Is(err, fault.ErrConflict) ||
		errors.Is(err, fault.ErrForbidden) ||
		errors.Is(err, fault.ErrInvalidAmount) ||
		errors.Is(err, fault.ErrNotFound) ||
		errors.Is(err, fault.ErrSelfTrade)
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

func adminActor(id string) auth.Actor {
	return auth.Actor{ID: id, Role: auth.RoleAdmin}
}

// Buyer opens pending orders against random listings.
func Buyer(ctx context.Context, svc *order.Service, buyerID string, listingIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		listingID := listingIDs[rand.Intn(len(listingIDs))]
		if _, err := svc.CreateOrder(ctx, buyerID, listingID); err != nil && !expected(err) {
			return fmt.Errorf("buyer create order: %w", err)
		}
		pause(20, 40)
	}
}

// WebhookDeliverer replays payment-success events against pending orders.
// The event id is derived from the order id, so concurrent deliverers race on
// the same event and exactly one application must win.
func WebhookDeliverer(ctx context.Context, pool *pgxpool.Pool, svc *order.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx, `SELECT id FROM orders WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&orderID)
		if err == nil {
			eventID := "evt-" + orderID
			if err := svc.ConfirmPayment(ctx, eventID, orderID); err != nil && !expected(err) {
				return fmt.Errorf("deliver webhook: %w", err)
			}
			// at-least-once delivery: replay immediately
			if err := svc.ConfirmPayment(ctx, eventID, orderID); err != nil && !expected(err) {
				return fmt.Errorf("redeliver webhook: %w", err)
			}
		}
		pause(10, 30)
	}
}

// Acknowledger confirms delivery on paid orders as their buyer.
func Acknowledger(ctx context.Context, pool *pgxpool.Pool, svc *order.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID, buyerID string
		err := pool.QueryRow(ctx, `SELECT id, buyer_id FROM orders WHERE status = 'paid' ORDER BY random() LIMIT 1`).Scan(&orderID, &buyerID)
		if err == nil {
			if _, err := svc.AcknowledgeDelivery(ctx, orderID, buyerID); err != nil && !expected(err) {
				return fmt.Errorf("acknowledge delivery: %w", err)
			}
		}
		pause(30, 50)
	}
}

// Disputer opens disputes on paid or delivered orders and occasionally lets
// the admin rule on them, racing the sweeper for the same rows.
func Disputer(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, adminID string, stop <-chan struct{}) error {
	resolutions := []dispute.Resolution{dispute.ResolutionBuyer, dispute.ResolutionSeller, dispute.ResolutionRefund}
	admin := adminActor(adminID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID, buyerID string
		err := pool.QueryRow(ctx, `SELECT id, buyer_id FROM orders WHERE status IN ('paid', 'delivered') ORDER BY random() LIMIT 1`).Scan(&orderID, &buyerID)
		if err == nil {
			if _, err := svc.Open(ctx, orderID, buyerID, "stress dispute"); err != nil && !expected(err) {
				return fmt.Errorf("open dispute: %w", err)
			}
		}
		if rand.Intn(3) == 0 {
			var disputedID string
			if err := pool.QueryRow(ctx, `SELECT order_id FROM disputes WHERE status = 'open' ORDER BY random() LIMIT 1`).Scan(&disputedID); err == nil {
				res := resolutions[rand.Intn(len(resolutions))]
				if _, err := svc.Resolve(ctx, disputedID, admin, res); err != nil && !expected(err) {
					return fmt.Errorf("resolve dispute: %w", err)
				}
			}
		}
		pause(50, 100)
	}
}

// Expirer shrinks escrow windows so the sweeper has due work during the run.
func Expirer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := pool.Exec(ctx, `
			UPDATE orders SET expires_at = now() - interval '1 second'
			WHERE status IN ('paid', 'delivered') AND random() < 0.3
		`); err != nil {
			return fmt.Errorf("expire orders: %w", err)
		}
		pause(100, 100)
	}
}

// Settler runs sweep passes concurrently with the dispute and webhook actors.
func Settler(ctx context.Context, sw *sweeper.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		sw.SweepOnce(ctx)
		pause(100, 150)
	}
}

// Withdrawer requests and processes payouts against settling balances.
func Withdrawer(ctx context.Context, svc *payout.Service, sellerIDs []string, adminID string, stop <-chan struct{}) error {
	admin := adminActor(adminID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		sellerID := sellerIDs[rand.Intn(len(sellerIDs))]
		bal, err := svc.Balance(ctx, sellerID)
		if err != nil {
			if expected(err) {
				pause(50, 50)
				continue
			}
			return fmt.Errorf("balance: %w", err)
		}
		if bal.AvailableCents > 0 {
			amount := 1 + rand.Int63n(bal.AvailableCents)
			p, err := svc.RequestPayout(ctx, sellerID, amount)
			if err != nil && !expected(err) {
				return fmt.Errorf("request payout: %w", err)
			}
			if err == nil {
				action := payout.ActionMarkPaid
				if rand.Intn(4) == 0 {
					action = payout.ActionFail
				}
				if _, err := svc.ProcessPayout(ctx, p.ID, admin, action); err != nil && !expected(err) {
					return fmt.Errorf("process payout: %w", err)
				}
			}
		}
		pause(80, 120)
	}
}
