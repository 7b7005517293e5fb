package order

import "time"

// Status is the order state machine:
//
//	pending -> paid -> delivered -> complete
//	paid|delivered -> disputed -> complete|refunded
//
// pending and paid are never re-entered once left; complete and refunded are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusDelivered Status = "delivered"
	StatusDisputed  Status = "disputed"
	StatusComplete  Status = "complete"
	StatusRefunded  Status = "refunded"
)

// CanTransition reports whether the directed edge from -> to exists.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPaid
	case StatusPaid:
		return to == StatusDelivered || to == StatusDisputed || to == StatusComplete
	case StatusDelivered:
		return to == StatusDisputed || to == StatusComplete
	case StatusDisputed:
		return to == StatusComplete || to == StatusRefunded
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRefunded
}

// Disclosable reports whether credential disclosure is permitted in this status.
func (s Status) Disclosable() bool {
	return s == StatusPaid || s == StatusDelivered || s == StatusComplete
}

// Order mirrors the orders table.
type Order struct {
	ID         string
	BuyerID    string
	ListingID  string
	TotalCents int64
	Currency   string
	Status     Status
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransactionStatus is the payment record lifecycle.
type TransactionStatus string

const (
	TransactionInitiated TransactionStatus = "initiated"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is an append-only payment record tied to an order. It is
// terminal-updated exactly once by the webhook path.
type Transaction struct {
	ID              string
	OrderID         string
	Provider        string
	ProviderRef     string
	ProviderEventID *string
	AmountCents     int64
	Status          TransactionStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Listing is the engine's view of the catalog row it locks at
// payment-confirmation time.
type Listing struct {
	ID               string
	SellerID         string
	PriceCents       int64
	Currency         string
	Status           string
	HasSecurePayload bool
}

// Reconciliation event kinds appended to the secondary ledger.
const (
	ReconDoubleSold     = "double_sold"
	ReconTransferFailed = "transfer_failed"
)
