package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowState values. Transitions are monotonic; no state is revisited.
const (
	EscrowUnfunded          = "unfunded"
	EscrowHeld              = "held"
	EscrowReleased          = "released"
	EscrowRefunded          = "refunded"
	EscrowPartiallyRefunded = "partially_refunded"
	EscrowForfeited         = "forfeited"
)

// EscrowAccount holds the funds backing exactly one order. Conservation
// invariant: released + refunded + forfeited always equals the amount
// originally held.
type EscrowAccount struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Released  decimal.Decimal `json:"released"`
	Refunded  decimal.Decimal `json:"refunded"`
	Forfeited decimal.Decimal `json:"forfeited"`
	Condition string          `json:"release_condition,omitempty"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
