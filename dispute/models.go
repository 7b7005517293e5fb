package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen           Status = "open"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedSeller Status = "resolved_seller"
	StatusRefunded       Status = "refunded"
)

// Resolution is the admin's verdict. Buyer and refund are equivalent: both
// refund the order. Seller completes it, making the seller payout-eligible
// exactly as a normally settled order.
type Resolution string

const (
	ResolutionBuyer  Resolution = "buyer"
	ResolutionSeller Resolution = "seller"
	ResolutionRefund Resolution = "refund"
)

// Valid reports whether the resolution is one of the three verdicts.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyer, ResolutionSeller, ResolutionRefund:
		return true
	default:
		return false
	}
}

// Record mirrors the disputes table. At most one exists per order.
type Record struct {
	ID         string
	OrderID    string
	OpenerID   string
	Reason     string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// OrderInfo is the slice of the order the dispute engine gates on.
type OrderInfo struct {
	ID       string
	BuyerID  string
	SellerID string
	Status   string
}
