package rating

import (
	"player-order-service/internal/catalog"
	"player-order-service/internal/models"
)

// DecayedValue applies linear inactivity decay to a metric value.
// Within the grace window the value passes through untouched; after it
// the value shrinks by DailyDecay per day, clamped so it never drops
// below MinimumFloor (values already under the floor are not raised).
func DecayedValue(value float64, daysSinceLastActivity int, cfg catalog.DecayConfig) float64 {
	if daysSinceLastActivity <= cfg.InactivityGraceDays {
		return value
	}
	idle := float64(daysSinceLastActivity - cfg.InactivityGraceDays)
	factor := 1 - cfg.DailyDecay*idle
	if factor < 0 {
		factor = 0
	}
	decayed := value * factor

	floor := cfg.MinimumFloor
	if value < floor {
		floor = value
	}
	if decayed < floor {
		return floor
	}
	return decayed
}

// Scalar computes the single rating value for one category. Each
// metric's observations collapse into a weighted mean (per-observation
// weights, non-positive treated as 1), the mean is decayed for
// inactivity, and the means combine under the category weights,
// normalized over the metrics actually observed. The result stays on
// the observation scale no matter how many reviews feed it. Metrics
// without a configured weight contribute nothing.
func Scalar(weights map[string]float64, values []models.MetricValue, daysSinceLastActivity int, cfg catalog.DecayConfig) float64 {
	sums := map[string]float64{}
	totals := map[string]float64{}
	for _, v := range values {
		if _, ok := weights[v.Metric]; !ok {
			continue
		}
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		sums[v.Metric] += w * v.Value
		totals[v.Metric] += w
	}

	var score, weightSum float64
	for metric, sum := range sums {
		mean := sum / totals[metric]
		score += weights[metric] * DecayedValue(mean, daysSinceLastActivity, cfg)
		weightSum += weights[metric]
	}
	if weightSum == 0 {
		return 0
	}
	return score / weightSum
}
