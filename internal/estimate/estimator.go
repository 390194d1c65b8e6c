package estimate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"player-order-service/internal/catalog"
	"player-order-service/internal/models"
)

// FactionLookup resolves a faction's discount/premium multiplier.
// Implementations must honor the context deadline; lookup failure
// degrades to a 1.0 multiplier rather than failing the estimate.
type FactionLookup interface {
	Multiplier(ctx context.Context, factionID string) (decimal.Decimal, error)
}

// Estimator turns complexity factors and flags into a BudgetEstimate.
type Estimator struct {
	catalog       catalog.Catalog
	factions      FactionLookup
	lookupTimeout time.Duration
	now           func() time.Time
}

// New constructs an estimator. factions may be nil, in which case the
// faction multiplier is always 1.0.
func New(cat catalog.Catalog, factions FactionLookup, lookupTimeout time.Duration) *Estimator {
	if lookupTimeout <= 0 {
		lookupTimeout = 2 * time.Second
	}
	return &Estimator{
		catalog:       cat,
		factions:      factions,
		lookupTimeout: lookupTimeout,
		now:           time.Now,
	}
}

// Input carries one factor observation from an external system. The
// weight is resolved from the catalog by (name, source); unknown pairs
// contribute zero.
type Input struct {
	Name   string
	Source string
	Value  decimal.Decimal
}

// Estimate computes base = Σ(weight×value), applies the corporate
// multiplier if set and the faction multiplier if resolvable, and
// rounds half-up to minor-unit precision. The returned estimate is
// immutable; callers persist and supersede, never edit.
func (e *Estimator) Estimate(ctx context.Context, orderID string, inputs []Input, corporate bool, factionID string) models.BudgetEstimate {
	factors := make([]models.ComplexityFactor, 0, len(inputs))
	base := decimal.Zero
	for _, in := range inputs {
		w := e.catalog.WeightFor(in.Name, in.Source)
		factors = append(factors, models.ComplexityFactor{
			Name:   in.Name,
			Weight: w,
			Value:  in.Value,
			Source: in.Source,
		})
		base = base.Add(w.Mul(in.Value))
	}

	final := base
	var multipliers []models.Multiplier
	if corporate {
		m := e.catalog.CorporateMultiplier()
		multipliers = append(multipliers, models.Multiplier{Name: "corporate", Value: m})
		final = final.Mul(m)
	}
	if factionID != "" {
		m := e.factionMultiplier(ctx, factionID)
		multipliers = append(multipliers, models.Multiplier{Name: "faction:" + factionID, Value: m})
		final = final.Mul(m)
	}

	return models.BudgetEstimate{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Factors:     factors,
		BaseAmount:  base,
		Multipliers: multipliers,
		FinalAmount: RoundMinorUnits(final),
		CreatedAt:   e.now().UTC(),
	}
}

func (e *Estimator) factionMultiplier(ctx context.Context, factionID string) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if e.factions == nil {
		return one
	}
	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	m, err := e.factions.Multiplier(lctx, factionID)
	if err != nil || m.Sign() <= 0 {
		return one
	}
	return m
}

// RoundMinorUnits rounds to two decimal places, half away from zero.
// Amounts in this system are never negative so this matches half-up.
func RoundMinorUnits(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
