package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComplexityFactor is a weighted input to a budget estimate. It is
// read-only once an estimate has been produced from it.
type ComplexityFactor struct {
	Name   string          `json:"name"`
	Weight decimal.Decimal `json:"weight"`
	Value  decimal.Decimal `json:"value"`
	Source string          `json:"source"`
}

// BudgetEstimate is an immutable audit record of one estimation run.
// final = round(Σ(weight×value) × Π(multipliers)) at minor-unit
// precision, round-half-up.
type BudgetEstimate struct {
	ID          string             `json:"id"`
	OrderID     string             `json:"order_id"`
	Factors     []ComplexityFactor `json:"factors"`
	BaseAmount  decimal.Decimal    `json:"base_amount"`
	Multipliers []Multiplier       `json:"multipliers"`
	FinalAmount decimal.Decimal    `json:"final_amount"`
	Superseded  bool               `json:"superseded"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Multiplier records one applied adjustment (corporate flag, faction
// standing) for the audit trail.
type Multiplier struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}
