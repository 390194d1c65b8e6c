package store

import (
	"context"
	"fmt"

	"player-order-service/internal/models"
)

// GetEscrowByOrder fetches the escrow account behind an order.
func (s *Store) GetEscrowByOrder(ctx context.Context, orderID string) (models.EscrowAccount, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_id, amount, released, refunded, forfeited, release_condition, state, created_at, updated_at
		FROM escrow_accounts WHERE order_id = $1
	`, orderID)

	var a models.EscrowAccount
	err := row.Scan(&a.ID, &a.OrderID, &a.Amount, &a.Released, &a.Refunded, &a.Forfeited,
		&a.Condition, &a.State, &a.CreatedAt, &a.UpdatedAt)
	if noRows(err) {
		return models.EscrowAccount{}, false, nil
	}
	if err != nil {
		return models.EscrowAccount{}, false, fmt.Errorf("scan escrow: %w", err)
	}
	return a, true, nil
}

// InsertEscrow persists a freshly held account. The unique order_id
// constraint makes a racing double-hold fail loudly.
func (s *Store) InsertEscrow(ctx context.Context, a models.EscrowAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_accounts (id, order_id, amount, released, refunded, forfeited, release_condition, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, a.ID, a.OrderID, a.Amount, a.Released, a.Refunded, a.Forfeited, a.Condition, a.State, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

// UpdateEscrow persists account movement only while the stored state
// still equals fromState, keeping escrow transitions monotonic.
func (s *Store) UpdateEscrow(ctx context.Context, a models.EscrowAccount, fromState string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_accounts
		SET released = $2, refunded = $3, forfeited = $4, state = $5, updated_at = NOW()
		WHERE order_id = $1 AND state = $6
	`, a.OrderID, a.Released, a.Refunded, a.Forfeited, a.State, fromState)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
