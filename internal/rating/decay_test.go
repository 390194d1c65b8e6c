package rating

import (
	"testing"
	"time"

	"player-order-service/internal/catalog"
	"player-order-service/internal/models"
)

var decayCfg = catalog.DecayConfig{
	InactivityGraceDays: 14,
	DailyDecay:          0.01,
	MinimumFloor:        0.5,
}

func TestDecayGracePeriodPassesThrough(t *testing.T) {
	for _, days := range []int{0, 7, 14} {
		if got := DecayedValue(4.2, days, decayCfg); got != 4.2 {
			t.Fatalf("day %d: got %v, want 4.2", days, got)
		}
	}
}

func TestDecayMonotoneNonIncreasing(t *testing.T) {
	prev := DecayedValue(4.2, 0, decayCfg)
	for days := 1; days <= 400; days++ {
		got := DecayedValue(4.2, days, decayCfg)
		if got > prev {
			t.Fatalf("decay increased at day %d: %v > %v", days, got, prev)
		}
		prev = got
	}
}

func TestDecayNeverBelowFloor(t *testing.T) {
	if got := DecayedValue(4.2, 10000, decayCfg); got != decayCfg.MinimumFloor {
		t.Fatalf("long-idle value = %v, want floor %v", got, decayCfg.MinimumFloor)
	}
}

func TestDecayDoesNotRaiseSubFloorValues(t *testing.T) {
	if got := DecayedValue(0.2, 10000, decayCfg); got != 0.2 {
		t.Fatalf("sub-floor value must not be raised, got %v", got)
	}
}

func TestScalarWeightedSum(t *testing.T) {
	weights := map[string]float64{"quality": 0.6, "communication": 0.4}
	values := []models.MetricValue{
		{Metric: "quality", Value: 5, ObservedAt: time.Now()},
		{Metric: "communication", Value: 3, ObservedAt: time.Now()},
		{Metric: "unconfigured", Value: 100, ObservedAt: time.Now()},
	}
	got := Scalar(weights, values, 0, decayCfg)
	want := 0.6*5 + 0.4*3
	if got != want {
		t.Fatalf("scalar = %v, want %v", got, want)
	}
}

func TestScalarRepeatedObservationsDoNotInflate(t *testing.T) {
	weights := map[string]float64{"quality": 0.6, "communication": 0.4}
	one := []models.MetricValue{
		{Metric: "quality", Weight: 1, Value: 5, ObservedAt: time.Now()},
		{Metric: "communication", Weight: 1, Value: 3, ObservedAt: time.Now()},
	}
	many := append(append(append([]models.MetricValue{}, one...), one...), one...)

	single := Scalar(weights, one, 0, decayCfg)
	tripled := Scalar(weights, many, 0, decayCfg)
	if single != tripled {
		t.Fatalf("scalar grew with review count: %v vs %v", single, tripled)
	}
	if single < 1 || single > 5 {
		t.Fatalf("scalar %v left the rating scale", single)
	}
}

func TestScalarWeighsObservationsWithinMetric(t *testing.T) {
	weights := map[string]float64{"quality": 1.0}
	values := []models.MetricValue{
		{Metric: "quality", Weight: 1, Value: 5, ObservedAt: time.Now()},
		{Metric: "quality", Weight: 3, Value: 3, ObservedAt: time.Now()},
	}
	got := Scalar(weights, values, 0, decayCfg)
	want := (1*5.0 + 3*3.0) / 4
	if got != want {
		t.Fatalf("scalar = %v, want weighted mean %v", got, want)
	}
}

func TestScalarNormalizesOverObservedMetrics(t *testing.T) {
	weights := map[string]float64{"quality": 0.5, "communication": 0.25, "reliability": 0.25}
	values := []models.MetricValue{
		{Metric: "quality", Weight: 1, Value: 4, ObservedAt: time.Now()},
		{Metric: "communication", Weight: 1, Value: 4, ObservedAt: time.Now()},
	}
	// Reviews without the optional reliability score must not drag the
	// scalar below the scores actually given.
	if got := Scalar(weights, values, 0, decayCfg); got != 4 {
		t.Fatalf("scalar = %v, want 4", got)
	}
}
