package models

import "time"

// MetricValue is one observed metric sample with its own weight.
// ReviewID ties review-derived samples back to their source so they
// can be withdrawn when moderation excludes the review.
type MetricValue struct {
	Metric     string    `json:"metric"`
	Weight     float64   `json:"weight"`
	Value      float64   `json:"value"`
	ReviewID   string    `json:"review_id,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// RatingMetricSet defines, per category, which metrics feed the scalar
// and how they are weighted. Weights sum to 1.0 within a category;
// enforced when the configuration is loaded, not per call.
type RatingMetricSet struct {
	SubjectID string             `json:"subject_id"`
	Category  string             `json:"category"`
	Weights   map[string]float64 `json:"weights"`
	Values    []MetricValue      `json:"values"`
}

// RatingSnapshot is the stored output of a recalculation for one
// subject/category.
type RatingSnapshot struct {
	SubjectID       string    `json:"subject_id"`
	Category        string    `json:"category"`
	Score           float64   `json:"score"`
	OrdersCompleted int       `json:"orders_completed"`
	OrdersFailed    int       `json:"orders_failed"`
	SuccessRate     float64   `json:"success_rate"`
	ComputedAt      time.Time `json:"computed_at"`
}
