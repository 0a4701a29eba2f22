package models

import "time"

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// Terminal reports whether the transaction reached a final state.
// Disputed is frozen, not terminal.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// EscrowTransaction holds funds between booking and completion.
// Amounts are minor units and the decomposition must sum exactly:
// TotalAmount == SellerAmount + PlatformFee + DriverAmount.
type EscrowTransaction struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"order_id"`
	BuyerID       string       `json:"buyer_id"`
	SellerID      string       `json:"seller_id"`
	DriverID      string       `json:"driver_id,omitempty"`
	SellerAmount  int64        `json:"seller_amount"`
	PlatformFee   int64        `json:"platform_fee"`
	DriverAmount  int64        `json:"driver_amount"`
	TotalAmount   int64        `json:"total_amount"`
	Currency      string       `json:"currency"`
	Status        EscrowStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	PaymentRef    string       `json:"payment_ref,omitempty"` // gateway hold reference
	HeldAt        time.Time    `json:"held_at"`
	AutoReleaseAt time.Time    `json:"auto_release_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}
