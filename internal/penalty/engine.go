package penalty

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"player-order-service/internal/catalog"
	"player-order-service/internal/estimate"
	"player-order-service/internal/models"
)

// Context carries the inputs the engine needs about a cancellation or
// dispute.
type Context struct {
	Trigger         string // "cancelled" or "disputed"
	Initiator       string // models.Initiator*
	ElapsedFraction float64
	CompletionRatio float64
}

// Engine computes penalty records from the configured rate table.
type Engine struct {
	table catalog.PenaltyTable
	now   func() time.Time
}

func New(table catalog.PenaltyTable) *Engine {
	return &Engine{table: table, now: time.Now}
}

// Rate returns reward-fraction forfeited for the given inputs. It is
// non-decreasing in elapsed fraction and non-increasing in completion
// ratio.
func (e *Engine) Rate(elapsedFraction, completionRatio float64) decimal.Decimal {
	band := e.band(elapsedFraction)
	remaining := decimal.NewFromFloat(1 - clamp01(completionRatio))
	return decimal.NewFromFloat(band.Rate).Mul(remaining)
}

// Compute builds the penalty record for one (order, trigger) pair.
// The monetary penalty is settled from escrow forfeiture: refund
// fraction = 1 − rate, so refunded + forfeited always reconstructs the
// held amount. The initiator selects the penalized party; reputation
// impact comes from the configured band.
func (e *Engine) Compute(order models.Order, c Context) models.PenaltyRecord {
	rate := e.Rate(c.ElapsedFraction, c.CompletionRatio)
	amount := estimate.RoundMinorUnits(order.Reward.Mul(rate))
	refundFraction := decimal.NewFromInt(1).Sub(rate)

	status := models.PenaltyApplied
	if amount.GreaterThan(e.table.Ceiling()) {
		// Above the auto-approval ceiling a human must confirm before
		// escrow executes the refund.
		status = models.PenaltyPendingReview
	}

	return models.PenaltyRecord{
		ID:               uuid.New().String(),
		OrderID:          order.ID,
		Trigger:          c.Trigger,
		Initiator:        c.Initiator,
		PenalizedParty:   penalizedParty(c.Initiator),
		Status:           status,
		Amount:           amount,
		ReputationImpact: e.band(c.ElapsedFraction).ReputationImpact,
		RefundFraction:   refundFraction,
		CreatedAt:        e.now().UTC(),
	}
}

func (e *Engine) band(elapsedFraction float64) catalog.PenaltyBand {
	f := clamp01(elapsedFraction)
	for _, b := range e.table.Bands {
		if f <= b.MaxElapsedFraction {
			return b
		}
	}
	if n := len(e.table.Bands); n > 0 {
		return e.table.Bands[n-1]
	}
	return catalog.PenaltyBand{}
}

func penalizedParty(initiator string) string {
	if initiator == models.InitiatorSystem {
		return models.InitiatorAssignee
	}
	return initiator
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
