package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"player-order-service/internal/models"
)

// InsertOrder persists a new order row.
func (s *Store) InsertOrder(ctx context.Context, o models.Order) error {
	reqJSON, err := json.Marshal(o.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	cpJSON, err := json.Marshal(o.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, creator_id, assignee_id, type, description, reward, requirements, status,
			checkpoints, escrow_id, current_estimate_id, deadline, assigned_at, cancellation_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, o.ID, o.CreatorID, o.AssigneeID, o.Type, o.Description, o.Reward, reqJSON, o.Status,
		cpJSON, o.EscrowID, o.CurrentEstimateID, o.Deadline, o.AssignedAt, o.CancellationReason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, creator_id, assignee_id, type, description, reward, requirements, status,
			checkpoints, escrow_id, current_estimate_id, deadline, assigned_at, cancellation_reason, created_at, updated_at
		FROM orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o          models.Order
		reward     decimal.Decimal
		reqJSON    []byte
		cpJSON     []byte
		assignee   pgtype.Text
		escrowID   pgtype.Text
		estimateID pgtype.Text
		reason     pgtype.Text
		deadline   pgtype.Timestamptz
		assigned   pgtype.Timestamptz
	)
	err := row.Scan(&o.ID, &o.CreatorID, &assignee, &o.Type, &o.Description, &reward, &reqJSON, &o.Status,
		&cpJSON, &escrowID, &estimateID, &deadline, &assigned, &reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return models.Order{}, ErrNotFound
		}
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.Reward = reward
	o.AssigneeID = textPtr(assignee)
	o.EscrowID = textPtr(escrowID)
	o.CurrentEstimateID = textPtr(estimateID)
	o.CancellationReason = textPtr(reason)
	o.Deadline = tsPtr(deadline)
	o.AssignedAt = tsPtr(assigned)
	if err := json.Unmarshal(reqJSON, &o.Requirements); err != nil {
		return models.Order{}, fmt.Errorf("unmarshal requirements: %w", err)
	}
	if len(cpJSON) > 0 {
		if err := json.Unmarshal(cpJSON, &o.Checkpoints); err != nil {
			return models.Order{}, fmt.Errorf("unmarshal checkpoints: %w", err)
		}
	}
	return o, nil
}

// UpdateOrder persists mutable order fields, but only while the stored
// status still equals fromStatus. Concurrent writers racing the same
// transition see ErrConflict.
func (s *Store) UpdateOrder(ctx context.Context, o models.Order, fromStatus string) error {
	cpJSON, err := json.Marshal(o.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET assignee_id = $2, status = $3, checkpoints = $4, escrow_id = $5, current_estimate_id = $6,
			assigned_at = $7, cancellation_reason = $8, updated_at = NOW()
		WHERE id = $1 AND status = $9
	`, o.ID, o.AssigneeID, o.Status, cpJSON, o.EscrowID, o.CurrentEstimateID,
		o.AssignedAt, o.CancellationReason, fromStatus)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status    string
	Type      string
	CreatorID string
	Limit     int
}

// ListOrders returns orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, creator_id, assignee_id, type, description, reward, requirements, status,
			checkpoints, escrow_id, current_estimate_id, deadline, assigned_at, cancellation_reason, created_at, updated_at
		FROM orders
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR creator_id = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.Status, f.Type, f.CreatorID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarketSnapshot aggregates the active side of the order market.
type MarketSnapshot struct {
	ActiveOrders  int64             `json:"active_orders"`
	AverageReward decimal.Decimal   `json:"average_reward"`
	PopularTypes  []MarketTypeStats `json:"popular_types"`
}

// MarketTypeStats is per-type volume among active orders.
type MarketTypeStats struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// Market computes the current market snapshot over open/assigned/
// in-progress orders.
func (s *Store) Market(ctx context.Context) (MarketSnapshot, error) {
	var snap MarketSnapshot
	var avg string
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(reward), 0)::text
		FROM orders WHERE status IN ('open', 'assigned', 'in_progress')
	`).Scan(&snap.ActiveOrders, &avg)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("market totals: %w", err)
	}
	if d, err := decimal.NewFromString(avg); err == nil {
		snap.AverageReward = d.Round(2)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT type, COUNT(*) AS n
		FROM orders WHERE status IN ('open', 'assigned', 'in_progress')
		GROUP BY type ORDER BY n DESC LIMIT 5
	`)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("market types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t MarketTypeStats
		if err := rows.Scan(&t.Type, &t.Count); err != nil {
			return MarketSnapshot{}, err
		}
		snap.PopularTypes = append(snap.PopularTypes, t)
	}
	return snap, rows.Err()
}

// InsertEstimate stores a budget estimate and supersedes any previous
// current estimate for the order. History is retained for audit.
func (s *Store) InsertEstimate(ctx context.Context, e models.BudgetEstimate) error {
	factorsJSON, err := json.Marshal(e.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	multJSON, err := json.Marshal(e.Multipliers)
	if err != nil {
		return fmt.Errorf("marshal multipliers: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE budget_estimates SET superseded = TRUE WHERE order_id = $1 AND NOT superseded
	`, e.OrderID); err != nil {
		return fmt.Errorf("supersede estimates: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO budget_estimates (id, order_id, factors, base_amount, multipliers, final_amount, superseded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, e.ID, e.OrderID, factorsJSON, e.BaseAmount, multJSON, e.FinalAmount, e.CreatedAt); err != nil {
		return fmt.Errorf("insert estimate: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET current_estimate_id = $2, updated_at = NOW() WHERE id = $1
	`, e.OrderID, e.ID); err != nil {
		return fmt.Errorf("point order at estimate: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertPenalty stores a penalty record. A second applied record for
// the same (order, trigger) pair hits the partial unique index and
// reports ErrDuplicate.
func (s *Store) InsertPenalty(ctx context.Context, p models.PenaltyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO penalty_records (id, order_id, trigger_reason, initiator, penalized_party, status,
			amount, reputation_impact, refund_fraction, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.OrderID, p.Trigger, p.Initiator, p.PenalizedParty, p.Status,
		p.Amount, p.ReputationImpact, p.RefundFraction, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert penalty: %w", err)
	}
	return nil
}

// GetPenalty fetches a penalty record by id.
func (s *Store) GetPenalty(ctx context.Context, id string) (models.PenaltyRecord, error) {
	var p models.PenaltyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, trigger_reason, initiator, penalized_party, status,
			amount, reputation_impact, refund_fraction, created_at
		FROM penalty_records WHERE id = $1
	`, id).Scan(&p.ID, &p.OrderID, &p.Trigger, &p.Initiator, &p.PenalizedParty, &p.Status,
		&p.Amount, &p.ReputationImpact, &p.RefundFraction, &p.CreatedAt)
	if err != nil {
		if noRows(err) {
			return models.PenaltyRecord{}, ErrNotFound
		}
		return models.PenaltyRecord{}, fmt.Errorf("get penalty: %w", err)
	}
	return p, nil
}

// UpdatePenaltyStatus moves a penalty to a new status, guarded by the
// expected current one. Racing confirmations see ErrConflict.
func (s *Store) UpdatePenaltyStatus(ctx context.Context, id, to, from string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE penalty_records SET status = $2 WHERE id = $1 AND status = $3
	`, id, to, from)
	if err != nil {
		return fmt.Errorf("update penalty status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListPenaltiesByOrder returns penalty records for one order, newest
// first.
func (s *Store) ListPenaltiesByOrder(ctx context.Context, orderID string) ([]models.PenaltyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, trigger_reason, initiator, penalized_party, status,
			amount, reputation_impact, refund_fraction, created_at
		FROM penalty_records WHERE order_id = $1 ORDER BY created_at DESC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list penalties: %w", err)
	}
	defer rows.Close()

	var out []models.PenaltyRecord
	for rows.Next() {
		var p models.PenaltyRecord
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Trigger, &p.Initiator, &p.PenalizedParty, &p.Status,
			&p.Amount, &p.ReputationImpact, &p.RefundFraction, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
