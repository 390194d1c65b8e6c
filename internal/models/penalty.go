package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PenaltyRecord status values.
const (
	PenaltyApplied       = "applied"
	PenaltyPendingReview = "pending_review"
	PenaltyRejected      = "rejected"
)

// PenaltyRecord is the outcome of the penalty engine for one
// (order, trigger) pair. At most one applied record exists per pair.
type PenaltyRecord struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	Trigger          string          `json:"trigger"`
	Initiator        string          `json:"initiator"`
	PenalizedParty   string          `json:"penalized_party"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	ReputationImpact int             `json:"reputation_impact"`
	RefundFraction   decimal.Decimal `json:"refund_fraction"`
	CreatedAt        time.Time       `json:"created_at"`
}
