// Package metrics exposes the operational counters the escrow engine must
// not lose: settlement volume, double-sold races, and failed transfers.
// Counters go through the global OpenTelemetry meter; wiring an exporter is
// the deployment's choice.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("credflow")

	ordersSettled    metric.Int64Counter
	doubleSold       metric.Int64Counter
	transferFailures metric.Int64Counter
)

func init() {
	var err error
	ordersSettled, err = meter.Int64Counter("credflow.orders.settled",
		metric.WithDescription("orders transitioned to complete"))
	if err != nil {
		otel.Handle(err)
	}
	doubleSold, err = meter.Int64Counter("credflow.listings.double_sold",
		metric.WithDescription("payment confirmations that hit an already-sold listing"))
	if err != nil {
		otel.Handle(err)
	}
	transferFailures, err = meter.Int64Counter("credflow.transfers.failed",
		metric.WithDescription("settlement transfers queued for manual reconciliation"))
	if err != nil {
		otel.Handle(err)
	}
}

// OrderSettled records a completed settlement.
func OrderSettled(ctx context.Context) {
	ordersSettled.Add(ctx, 1)
}

// DoubleSold records a payment confirmation against an already-sold listing.
func DoubleSold(ctx context.Context, listingID string) {
	doubleSold.Add(ctx, 1, metric.WithAttributes(attribute.String("listing_id", listingID)))
}

// TransferFailed records a settlement transfer failure.
func TransferFailed(ctx context.Context, orderID string) {
	transferFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("order_id", orderID)))
}
