package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog is the operator-editable tuning surface: complexity factor
// weights feeding the budget estimator, the penalty rate table, the
// reputation impact lookup, and rating decay parameters. Numeric
// fields are plain YAML scalars; money math converts them to decimals
// at the point of use.
type Catalog struct {
	Factors       []FactorDef   `yaml:"factors"`
	Corporate     CorporateDef  `yaml:"corporate"`
	Penalty       PenaltyTable  `yaml:"penalty"`
	Decay         DecayConfig   `yaml:"decay"`
	MetricWeights []CategoryDef `yaml:"metricWeights"`
}

// FactorDef binds a factor name and source tag to its weight. Factors
// supplied with an unknown source resolve to weight 0, never a
// fabricated value.
type FactorDef struct {
	Name   string  `yaml:"name"`
	Source string  `yaml:"source"`
	Weight float64 `yaml:"weight"`
}

// CorporateDef configures the corporate-order multiplier.
type CorporateDef struct {
	Multiplier float64 `yaml:"multiplier"`
}

// PenaltyBand is one row of the penalty rate table, selected by elapsed
// fraction since assignment.
type PenaltyBand struct {
	MaxElapsedFraction float64 `yaml:"maxElapsedFraction"`
	Rate               float64 `yaml:"rate"`
	ReputationImpact   int     `yaml:"reputationImpact"`
}

// PenaltyTable configures the penalty engine. Bands must be sorted by
// MaxElapsedFraction ascending; Load enforces it.
type PenaltyTable struct {
	Bands               []PenaltyBand `yaml:"bands"`
	AutoApprovalCeiling float64       `yaml:"autoApprovalCeiling"`
}

// Ceiling returns the auto-approval ceiling as a decimal amount.
func (t PenaltyTable) Ceiling() decimal.Decimal {
	return decimal.NewFromFloat(t.AutoApprovalCeiling)
}

// DecayConfig drives rating decay.
type DecayConfig struct {
	InactivityGraceDays int     `yaml:"inactivityGraceDays"`
	DailyDecay          float64 `yaml:"dailyDecay"`
	MinimumFloor        float64 `yaml:"minimumFloor"`
}

// CategoryDef assigns metric weights for one rating category. Weights
// are validated to sum to 1.0 at load time, not per call.
type CategoryDef struct {
	Category string             `yaml:"category"`
	Weights  map[string]float64 `yaml:"weights"`
}

// Default returns the built-in catalog used when no file is supplied.
func Default() Catalog {
	return Catalog{
		Factors: []FactorDef{
			{Name: "zone_risk", Source: "world", Weight: 1.5},
			{Name: "required_skill", Source: "profile", Weight: 1.0},
			{Name: "faction_status", Source: "faction", Weight: 0.75},
		},
		Corporate: CorporateDef{Multiplier: 1.15},
		Penalty: PenaltyTable{
			Bands: []PenaltyBand{
				{MaxElapsedFraction: 0.25, Rate: 0.10, ReputationImpact: -1},
				{MaxElapsedFraction: 0.50, Rate: 0.25, ReputationImpact: -3},
				{MaxElapsedFraction: 0.75, Rate: 0.40, ReputationImpact: -5},
				{MaxElapsedFraction: 1.01, Rate: 0.60, ReputationImpact: -8},
			},
			AutoApprovalCeiling: 5000,
		},
		Decay: DecayConfig{
			InactivityGraceDays: 14,
			DailyDecay:          0.01,
			MinimumFloor:        0.5,
		},
		MetricWeights: []CategoryDef{
			{Category: "executor", Weights: map[string]float64{
				"quality":       0.4,
				"communication": 0.3,
				"reliability":   0.3,
			}},
			{Category: "creator", Weights: map[string]float64{
				"fairness":      0.5,
				"communication": 0.5,
			}},
		},
	}
}

// Load reads the catalog from a YAML file, falling back to Default
// when path is empty. Weight-sum and band-order violations fail load.
func Load(path string) (Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks the invariants the rest of the system relies on.
func (c Catalog) Validate() error {
	if c.Corporate.Multiplier <= 0 {
		return fmt.Errorf("catalog: corporate multiplier must be positive")
	}
	if !sort.SliceIsSorted(c.Penalty.Bands, func(i, j int) bool {
		return c.Penalty.Bands[i].MaxElapsedFraction < c.Penalty.Bands[j].MaxElapsedFraction
	}) {
		return fmt.Errorf("catalog: penalty bands must be sorted by maxElapsedFraction")
	}
	for _, f := range c.Factors {
		if f.Weight < 0 {
			return fmt.Errorf("catalog: factor %q has negative weight", f.Name)
		}
	}
	for _, cat := range c.MetricWeights {
		var sum float64
		for _, w := range cat.Weights {
			if w < 0 {
				return fmt.Errorf("catalog: category %q has negative metric weight", cat.Category)
			}
			sum += w
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("catalog: category %q metric weights sum to %.3f, want 1.0", cat.Category, sum)
		}
	}
	if c.Decay.MinimumFloor < 0 {
		return fmt.Errorf("catalog: minimum floor must be >= 0")
	}
	return nil
}

// WeightFor resolves the weight for a factor by name and source tag.
// Unknown (name, source) pairs resolve to zero.
func (c Catalog) WeightFor(name, source string) decimal.Decimal {
	for _, f := range c.Factors {
		if f.Name == name && f.Source == source {
			return decimal.NewFromFloat(f.Weight)
		}
	}
	return decimal.Zero
}

// CorporateMultiplier returns the corporate multiplier as a decimal.
func (c Catalog) CorporateMultiplier() decimal.Decimal {
	return decimal.NewFromFloat(c.Corporate.Multiplier)
}

// WeightsFor returns the metric weights of a category, or nil.
func (c Catalog) WeightsFor(category string) map[string]float64 {
	for _, cat := range c.MetricWeights {
		if cat.Category == category {
			return cat.Weights
		}
	}
	return nil
}
