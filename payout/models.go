package payout

import "time"

// Status represents the lifecycle of a payout request.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

// Action is the admin's decision on a requested payout.
type Action string

const (
	ActionMarkPaid Action = "mark_paid"
	ActionFail     Action = "fail"
)

// Valid reports whether the action is one of the two decisions.
func (a Action) Valid() bool {
	return a == ActionMarkPaid || a == ActionFail
}

// Payout mirrors the payouts table.
type Payout struct {
	ID          string
	SellerID    string
	AmountCents int64
	Status      Status
	ProviderRef *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Balance summarizes a seller's earnings. Available money comes from settled
// orders and shrinks by every payout that has not failed; pending money sits
// in delivered orders whose escrow window has not closed.
type Balance struct {
	SellerID       string `json:"seller_id"`
	AvailableCents int64  `json:"available_cents"`
	PendingCents   int64  `json:"pending_cents"`
}
