package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"player-order-service/internal/models"
)

// InsertReview persists a review. The unique (order_id, reviewer_id)
// constraint turns a duplicate submission into ErrDuplicate.
func (s *Store) InsertReview(ctx context.Context, r models.Review) error {
	ratingsJSON, err := json.Marshal(r.Ratings)
	if err != nil {
		return fmt.Errorf("marshal ratings: %w", err)
	}
	flagsJSON, err := json.Marshal(r.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reviews (id, order_id, reviewer_id, subject_id, ratings, comment, flags, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.OrderID, r.ReviewerID, r.SubjectID, ratingsJSON, r.Comment, flagsJSON, r.Status, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// GetReview fetches one review.
func (s *Store) GetReview(ctx context.Context, id string) (models.Review, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_id, reviewer_id, subject_id, ratings, comment, flags, status, created_at
		FROM reviews WHERE id = $1
	`, id)
	return scanReview(row)
}

func scanReview(row rowScanner) (models.Review, error) {
	var r models.Review
	var ratingsJSON, flagsJSON []byte
	err := row.Scan(&r.ID, &r.OrderID, &r.ReviewerID, &r.SubjectID, &ratingsJSON, &r.Comment, &flagsJSON, &r.Status, &r.CreatedAt)
	if noRows(err) {
		return models.Review{}, ErrNotFound
	}
	if err != nil {
		return models.Review{}, fmt.Errorf("scan review: %w", err)
	}
	if err := json.Unmarshal(ratingsJSON, &r.Ratings); err != nil {
		return models.Review{}, fmt.Errorf("unmarshal ratings: %w", err)
	}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &r.Flags); err != nil {
			return models.Review{}, fmt.Errorf("unmarshal flags: %w", err)
		}
	}
	return r, nil
}

// ListReviewsByOrder returns the reviews attached to an order.
func (s *Store) ListReviewsByOrder(ctx context.Context, orderID string) ([]models.Review, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, reviewer_id, subject_id, ratings, comment, flags, status, created_at
		FROM reviews WHERE order_id = $1 ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []models.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendReviewFlag appends one flag to the review's history and sets
// the new status. History is append-only; nothing is overwritten.
func (s *Store) AppendReviewFlag(ctx context.Context, reviewID string, entry models.FlagEntry, newStatus string) error {
	r, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	flags := append(r.Flags, entry)
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reviews SET flags = $2, status = $3 WHERE id = $1
	`, reviewID, flagsJSON, newStatus)
	if err != nil {
		return fmt.Errorf("append flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMetricValues appends metric observations for a subject and
// category, typically derived from an accepted review or an order
// outcome.
func (s *Store) InsertMetricValues(ctx context.Context, subjectID, category string, values []models.MetricValue) error {
	for _, v := range values {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO metric_values (subject_id, category, metric, weight, value, review_id, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, subjectID, category, v.Metric, v.Weight, v.Value, v.ReviewID, v.ObservedAt); err != nil {
			return fmt.Errorf("insert metric value: %w", err)
		}
	}
	return nil
}

// DeleteMetricValuesByReview withdraws every observation a review
// contributed, used when moderation excludes it from the rating base.
func (s *Store) DeleteMetricValuesByReview(ctx context.Context, reviewID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM metric_values WHERE review_id = $1
	`, reviewID); err != nil {
		return fmt.Errorf("delete metric values: %w", err)
	}
	return nil
}

// MetricValues loads observations feeding a recalculation, plus the
// most recent activity instant for decay.
func (s *Store) MetricValues(ctx context.Context, subjectID, category string) ([]models.MetricValue, time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric, weight, value, review_id, observed_at
		FROM metric_values WHERE subject_id = $1 AND category = $2
		ORDER BY observed_at
	`, subjectID, category)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("metric values: %w", err)
	}
	defer rows.Close()

	var out []models.MetricValue
	var last time.Time
	for rows.Next() {
		var v models.MetricValue
		if err := rows.Scan(&v.Metric, &v.Weight, &v.Value, &v.ReviewID, &v.ObservedAt); err != nil {
			return nil, time.Time{}, err
		}
		if v.ObservedAt.After(last) {
			last = v.ObservedAt
		}
		out = append(out, v)
	}
	return out, last, rows.Err()
}

// UpsertRatingSnapshot stores the recalculated scalar for a
// subject/category.
func (s *Store) UpsertRatingSnapshot(ctx context.Context, snap models.RatingSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rating_snapshots (subject_id, category, score, orders_completed, orders_failed, success_rate, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, category) DO UPDATE
		SET score = EXCLUDED.score,
			orders_completed = EXCLUDED.orders_completed,
			orders_failed = EXCLUDED.orders_failed,
			success_rate = EXCLUDED.success_rate,
			computed_at = EXCLUDED.computed_at
	`, snap.SubjectID, snap.Category, snap.Score, snap.OrdersCompleted, snap.OrdersFailed, snap.SuccessRate, snap.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert rating snapshot: %w", err)
	}
	return nil
}

// RatingSnapshots returns the stored scalars for a subject across
// categories.
func (s *Store) RatingSnapshots(ctx context.Context, subjectID string) ([]models.RatingSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, category, score, orders_completed, orders_failed, success_rate, computed_at
		FROM rating_snapshots WHERE subject_id = $1 ORDER BY category
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("rating snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.RatingSnapshot
	for rows.Next() {
		var snap models.RatingSnapshot
		if err := rows.Scan(&snap.SubjectID, &snap.Category, &snap.Score, &snap.OrdersCompleted,
			&snap.OrdersFailed, &snap.SuccessRate, &snap.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// OrderOutcomeCounts tallies completed and cancelled orders for a
// subject acting as assignee, feeding the reputation read model.
func (s *Store) OrderOutcomeCounts(ctx context.Context, subjectID string) (completed, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM orders WHERE assignee_id = $1
	`, subjectID).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("order outcome counts: %w", err)
	}
	return completed, failed, nil
}
