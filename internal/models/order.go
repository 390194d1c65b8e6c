package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus values persisted in Postgres.
const (
	OrderDraft      = "draft"
	OrderOpen       = "open"
	OrderAssigned   = "assigned"
	OrderInProgress = "in_progress"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
	OrderDisputed   = "disputed"
)

// Cancellation initiators select which party a penalty lands on.
const (
	InitiatorCreator  = "creator"
	InitiatorAssignee = "assignee"
	InitiatorSystem   = "system"
)

// OrderTerminal reports whether a status admits no further transitions
// (disputed still resolves manually, so it is not terminal).
func OrderTerminal(status string) bool {
	return status == OrderCompleted || status == OrderCancelled
}

// Requirements a candidate assignee must satisfy.
type Requirements struct {
	MinLevel          int            `json:"min_level,omitempty"`
	Skills            map[string]int `json:"skills,omitempty"`
	RequiredEquipment []string       `json:"required_equipment,omitempty"`
}

// Order is a player-to-player contract persisted in Postgres.
type Order struct {
	ID                 string          `json:"id"`
	CreatorID          string          `json:"creator_id"`
	AssigneeID         *string         `json:"assignee_id,omitempty"`
	Type               string          `json:"type"`
	Description        string          `json:"description"`
	Reward             decimal.Decimal `json:"reward"`
	Requirements       Requirements    `json:"requirements"`
	Status             string          `json:"status"`
	Checkpoints        []Checkpoint    `json:"checkpoints"`
	EscrowID           *string         `json:"escrow_id,omitempty"`
	CurrentEstimateID  *string         `json:"current_estimate_id,omitempty"`
	Deadline           *time.Time      `json:"deadline,omitempty"`
	AssignedAt         *time.Time      `json:"assigned_at,omitempty"`
	CancellationReason *string         `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Checkpoint is an ordered milestone inside an order. Lateness is
// derived at read time, never stored.
type Checkpoint struct {
	Name         string     `json:"name"`
	DueAt        time.Time  `json:"due_at"`
	Deliverables []string   `json:"deliverables,omitempty"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Proof        *string    `json:"proof,omitempty"`
}

// Late reports whether the checkpoint is overdue and unfinished.
func (c Checkpoint) Late(now time.Time) bool {
	return !c.Completed && now.After(c.DueAt)
}
