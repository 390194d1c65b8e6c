package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"player-order-service/internal/checkpoint"
	"player-order-service/internal/errs"
	"player-order-service/internal/estimate"
	"player-order-service/internal/models"
	"player-order-service/internal/penalty"
	"player-order-service/internal/store"
)

const maxDescriptionLen = 4000
const maxReasonLen = 1000

// Store is the persistence surface the manager mutates. The pgx store
// implements it; tests use an in-memory fake.
type Store interface {
	InsertOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id string) (models.Order, error)
	UpdateOrder(ctx context.Context, o models.Order, fromStatus string) error
	InsertEstimate(ctx context.Context, e models.BudgetEstimate) error
	InsertPenalty(ctx context.Context, p models.PenaltyRecord) error
	GetPenalty(ctx context.Context, id string) (models.PenaltyRecord, error)
	UpdatePenaltyStatus(ctx context.Context, id, to, from string) error
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// Ledger is the escrow surface. Only the ledger moves money; the
// manager just asks.
type Ledger interface {
	Hold(ctx context.Context, orderID, payerID string, amount decimal.Decimal, condition string) (models.EscrowAccount, error)
	Release(ctx context.Context, orderID, assigneeID string) (models.EscrowAccount, error)
	Refund(ctx context.Context, orderID, creatorID string, fraction decimal.Decimal) (models.EscrowAccount, error)
}

// Publisher emits domain events for external consumers. A publish
// failure is logged, never propagated: the state change already
// happened.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, payload map[string]any) error
}

// Unlocker releases a held per-order lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locks serializes mutations per order id across workers.
type Locks interface {
	AcquireWait(ctx context.Context, key string, retry time.Duration) (Unlocker, error)
}

// Config tunes the manager.
type Config struct {
	CheckpointPolicy checkpoint.Policy
	// DefaultExecutionWindow is used for elapsed-fraction computation
	// when an order carries no deadline.
	DefaultExecutionWindow time.Duration
	LockRetry              time.Duration
}

// Manager drives the order state machine:
// draft → open → assigned → in_progress → {completed|cancelled|disputed},
// with disputed resolving manually to completed or cancelled.
type Manager struct {
	store     Store
	ledger    Ledger
	estimator *estimate.Estimator
	penalties *penalty.Engine
	profiles  Profiles
	events    Publisher
	locks     Locks
	cfg       Config
	now       func() time.Time
}

// New wires the manager.
func New(st Store, ledger Ledger, est *estimate.Estimator, pen *penalty.Engine, profiles Profiles, events Publisher, locks Locks, cfg Config) *Manager {
	if cfg.CheckpointPolicy == "" {
		cfg.CheckpointPolicy = checkpoint.Sequential
	}
	if cfg.DefaultExecutionWindow <= 0 {
		cfg.DefaultExecutionWindow = 7 * 24 * time.Hour
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 50 * time.Millisecond
	}
	return &Manager{
		store:     st,
		ledger:    ledger,
		estimator: est,
		penalties: pen,
		profiles:  profiles,
		events:    events,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateSpec is the input to CreateOrder.
type CreateSpec struct {
	CreatorID    string
	Type         string
	Description  string
	Reward       decimal.Decimal
	Requirements models.Requirements
	Checkpoints  []models.Checkpoint
	Deadline     *time.Time
	// When UseEstimate is set the reward is taken from a fresh budget
	// estimate over EstimateInputs instead of Reward.
	UseEstimate    bool
	EstimateInputs []estimate.Input
	Corporate      bool
	FactionID      string
}

// CreateOrder validates the spec, produces an estimate when requested,
// persists the draft, then holds escrow and opens the order. A failed
// hold leaves the order in draft with no funds moved.
func (m *Manager) CreateOrder(ctx context.Context, spec CreateSpec) (models.Order, error) {
	if err := validateSpec(spec); err != nil {
		return models.Order{}, err
	}

	now := m.now().UTC()
	order := models.Order{
		ID:           uuid.New().String(),
		CreatorID:    spec.CreatorID,
		Type:         spec.Type,
		Description:  spec.Description,
		Reward:       spec.Reward,
		Requirements: spec.Requirements,
		Status:       models.OrderDraft,
		Checkpoints:  spec.Checkpoints,
		Deadline:     spec.Deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var est models.BudgetEstimate
	if spec.UseEstimate {
		est = m.estimator.Estimate(ctx, order.ID, spec.EstimateInputs, spec.Corporate, spec.FactionID)
		if est.FinalAmount.Sign() <= 0 {
			return models.Order{}, errs.Validation(errs.CodeValidation, "estimate produced a non-positive reward")
		}
		order.Reward = est.FinalAmount
		order.CurrentEstimateID = &est.ID
	}

	if err := m.store.InsertOrder(ctx, order); err != nil {
		return models.Order{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if spec.UseEstimate {
		if err := m.store.InsertEstimate(ctx, est); err != nil {
			return models.Order{}, errs.Internal(errs.CodeStorageUnavailable, err)
		}
	}

	acct, err := m.ledger.Hold(ctx, order.ID, order.CreatorID, order.Reward, "order completion")
	if err != nil {
		// Order stays in draft; nothing was held.
		return models.Order{}, err
	}
	order.EscrowID = &acct.ID
	order.Status = models.OrderOpen
	if err := m.store.UpdateOrder(ctx, order, models.OrderDraft); err != nil {
		return models.Order{}, m.storeErr(err)
	}

	m.publish(ctx, "order.opened", order.ID, map[string]any{
		"creator": order.CreatorID,
		"reward":  order.Reward.String(),
	})
	m.audit(ctx, order.ID, "opened", fmt.Sprintf("reward=%s escrow=%s", order.Reward, acct.ID))
	return order, nil
}

// Estimate produces and records a fresh budget estimate for an order,
// superseding the previous one. Reward is only adjusted while the
// order is still an unfunded draft; afterwards the reward is immutable
// and the estimate is advisory.
func (m *Manager) Estimate(ctx context.Context, orderID string, inputs []estimate.Input, corporate bool, factionID string) (models.BudgetEstimate, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.BudgetEstimate{}, m.storeErr(err)
	}
	est := m.estimator.Estimate(ctx, order.ID, inputs, corporate, factionID)
	if err := m.store.InsertEstimate(ctx, est); err != nil {
		return models.BudgetEstimate{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	return est, nil
}

// AssignOrder sets the assignee exactly once, from open only.
func (m *Manager) AssignOrder(ctx context.Context, orderID, assigneeID string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderOpen {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, not open", orderID, order.Status)
		}
		if assigneeID == "" {
			return order, errs.Validation(errs.CodeValidation, "assignee id is required")
		}
		if assigneeID == order.CreatorID {
			return order, errs.Business(errs.CodeSelfAssign, "creator cannot take own order")
		}
		ok, err := m.profiles.MeetsRequirements(ctx, assigneeID, order.Requirements)
		if err != nil {
			return order, errs.Internal(errs.CodeInternal, err)
		}
		if !ok {
			return order, errs.Business(errs.CodeEligibility, "assignee does not meet order requirements")
		}

		now := m.now().UTC()
		order.AssigneeID = &assigneeID
		order.AssignedAt = &now
		order.Status = models.OrderAssigned
		if err := m.store.UpdateOrder(ctx, order, models.OrderOpen); err != nil {
			return order, m.storeErr(err)
		}
		m.publish(ctx, "order.assigned", order.ID, map[string]any{"assignee": assigneeID})
		m.audit(ctx, order.ID, "assigned", "assignee="+assigneeID)
		return order, nil
	})
}

// StartExecution moves assigned → in_progress, placing the checkpoint
// cursor at the first milestone.
func (m *Manager) StartExecution(ctx context.Context, orderID string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderAssigned {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, not assigned", orderID, order.Status)
		}
		order.Status = models.OrderInProgress
		if err := m.store.UpdateOrder(ctx, order, models.OrderAssigned); err != nil {
			return order, m.storeErr(err)
		}
		m.publish(ctx, "order.started", order.ID, nil)
		m.audit(ctx, order.ID, "started", fmt.Sprintf("checkpoints=%d", len(order.Checkpoints)))
		return order, nil
	})
}

// CompleteCheckpoint records one milestone, honoring the gating
// policy. Completing the last checkpoint only makes the order eligible
// for CompleteOrder; it never auto-closes.
func (m *Manager) CompleteCheckpoint(ctx context.Context, orderID, name, proof string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderInProgress {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, not in progress", orderID, order.Status)
		}
		updated, err := checkpoint.MarkComplete(order.Checkpoints, name, proof, m.cfg.CheckpointPolicy, m.now())
		if err != nil {
			return order, err
		}
		order.Checkpoints = updated
		if err := m.store.UpdateOrder(ctx, order, models.OrderInProgress); err != nil {
			return order, m.storeErr(err)
		}
		m.audit(ctx, order.ID, "checkpoint_completed", "name="+name)
		return order, nil
	})
}

// CompleteOrder finishes an in-progress order whose checkpoints are
// all done, releasing the full escrow to the assignee.
func (m *Manager) CompleteOrder(ctx context.Context, orderID, completionProof string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderInProgress {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, not in progress", orderID, order.Status)
		}
		if !checkpoint.AllComplete(order.Checkpoints) {
			return order, errs.Business(errs.CodeIncompleteWork, "order %s has incomplete checkpoints", orderID)
		}
		return m.finishCompleted(ctx, order, models.OrderInProgress, completionProof)
	})
}

// CancelOrder cancels from any non-terminal state, computing the
// penalty split and refunding through the ledger.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason, initiator string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if models.OrderTerminal(order.Status) {
			return order, errs.Business(errs.CodeOrderState, "order %s already %s", orderID, order.Status)
		}
		return m.finishCancelled(ctx, order, reason, initiator, "cancelled")
	})
}

// DisputeOrder marks an active order disputed pending manual
// resolution.
func (m *Manager) DisputeOrder(ctx context.Context, orderID, reason string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderAssigned && order.Status != models.OrderInProgress {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, cannot dispute", orderID, order.Status)
		}
		from := order.Status
		order.Status = models.OrderDisputed
		truncated := truncate(reason, maxReasonLen)
		order.CancellationReason = &truncated
		if err := m.store.UpdateOrder(ctx, order, from); err != nil {
			return order, m.storeErr(err)
		}
		m.publish(ctx, "order.disputed", order.ID, map[string]any{"reason": truncated})
		m.audit(ctx, order.ID, "disputed", truncated)
		return order, nil
	})
}

// ResolveDispute closes a disputed order as completed or cancelled.
// Manual resolution overrides checkpoint gating.
func (m *Manager) ResolveDispute(ctx context.Context, orderID, outcome, reason string) (models.Order, error) {
	return m.withLock(ctx, orderID, func(order models.Order) (models.Order, error) {
		if order.Status != models.OrderDisputed {
			return order, errs.Business(errs.CodeOrderState, "order %s is %s, not disputed", orderID, order.Status)
		}
		switch outcome {
		case models.OrderCompleted:
			return m.finishCompleted(ctx, order, models.OrderDisputed, reason)
		case models.OrderCancelled:
			return m.finishCancelled(ctx, order, reason, models.InitiatorSystem, "disputed")
		default:
			return order, errs.Validation(errs.CodeValidation, "outcome must be completed or cancelled")
		}
	})
}

// ConfirmPenalty resolves a pending_review penalty after external
// moderation. Approval executes the recorded refund split; rejection
// refunds the creator in full.
func (m *Manager) ConfirmPenalty(ctx context.Context, penaltyID string, approve bool) (models.PenaltyRecord, error) {
	rec, err := m.store.GetPenalty(ctx, penaltyID)
	if err != nil {
		return models.PenaltyRecord{}, m.storeErr(err)
	}
	if rec.Status != models.PenaltyPendingReview {
		return models.PenaltyRecord{}, errs.Business(errs.CodeOrderState, "penalty %s is %s, not pending review", penaltyID, rec.Status)
	}
	order, err := m.store.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return models.PenaltyRecord{}, m.storeErr(err)
	}

	to := models.PenaltyApplied
	fraction := rec.RefundFraction
	if !approve {
		to = models.PenaltyRejected
		fraction = decimal.NewFromInt(1)
	}
	// Refund before the status flip: the refund is idempotent, so a
	// confirmation that fails here stays pending_review and can be
	// retried. The reverse order would strand the escrow held.
	if _, err := m.ledger.Refund(ctx, order.ID, order.CreatorID, fraction); err != nil {
		return models.PenaltyRecord{}, err
	}
	if err := m.store.UpdatePenaltyStatus(ctx, penaltyID, to, models.PenaltyPendingReview); err != nil {
		return models.PenaltyRecord{}, m.storeErr(err)
	}
	rec.Status = to
	m.audit(ctx, order.ID, "penalty_confirmed", fmt.Sprintf("penalty=%s approved=%t", penaltyID, approve))
	return rec, nil
}

func (m *Manager) finishCompleted(ctx context.Context, order models.Order, fromStatus, proof string) (models.Order, error) {
	assignee := ""
	if order.AssigneeID != nil {
		assignee = *order.AssigneeID
	}
	if _, err := m.ledger.Release(ctx, order.ID, assignee); err != nil {
		return order, err
	}
	order.Status = models.OrderCompleted
	if err := m.store.UpdateOrder(ctx, order, fromStatus); err != nil {
		return order, m.storeErr(err)
	}
	m.publish(ctx, "order.completed", order.ID, map[string]any{
		"assignee": assignee,
		"reward":   order.Reward.String(),
	})
	m.audit(ctx, order.ID, "completed", truncate(proof, maxReasonLen))
	return order, nil
}

func (m *Manager) finishCancelled(ctx context.Context, order models.Order, reason, initiator, trigger string) (models.Order, error) {
	from := order.Status
	refundFraction := decimal.NewFromInt(1)
	executeRefund := true

	// Penalties apply only once work was committed to.
	if order.AssigneeID != nil && (from == models.OrderAssigned || from == models.OrderInProgress || from == models.OrderDisputed) {
		rec := m.penalties.Compute(order, penalty.Context{
			Trigger:         trigger,
			Initiator:       initiator,
			ElapsedFraction: m.elapsedFraction(order),
			CompletionRatio: checkpoint.CompletionRatio(order.Checkpoints),
		})
		if err := m.store.InsertPenalty(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return order, errs.Business(errs.CodeOrderState, "penalty already applied for order %s trigger %s", order.ID, trigger)
			}
			return order, errs.Internal(errs.CodeStorageUnavailable, err)
		}
		refundFraction = rec.RefundFraction
		if rec.Status == models.PenaltyPendingReview {
			// Escrow stays held until a human confirms the split.
			executeRefund = false
			m.audit(ctx, order.ID, "penalty_pending_review", fmt.Sprintf("penalty=%s amount=%s", rec.ID, rec.Amount))
		}
	}

	if executeRefund {
		if _, err := m.ledger.Refund(ctx, order.ID, order.CreatorID, refundFraction); err != nil {
			// A draft order never held funds; missing escrow is fine.
			if !errs.IsBusiness(err) || from != models.OrderDraft {
				return order, err
			}
		}
	}

	truncated := truncate(reason, maxReasonLen)
	order.CancellationReason = &truncated
	order.Status = models.OrderCancelled
	if err := m.store.UpdateOrder(ctx, order, from); err != nil {
		return order, m.storeErr(err)
	}
	m.publish(ctx, "order.cancelled", order.ID, map[string]any{
		"initiator": initiator,
		"reason":    truncated,
	})
	m.audit(ctx, order.ID, "cancelled", fmt.Sprintf("initiator=%s refund_fraction=%s", initiator, refundFraction))
	return order, nil
}

// elapsedFraction measures progress through the execution window:
// assignment → deadline when one exists, otherwise the configured
// default window.
func (m *Manager) elapsedFraction(order models.Order) float64 {
	if order.AssignedAt == nil {
		return 0
	}
	start := *order.AssignedAt
	end := start.Add(m.cfg.DefaultExecutionWindow)
	if order.Deadline != nil && order.Deadline.After(start) {
		end = *order.Deadline
	}
	total := end.Sub(start)
	if total <= 0 {
		return 1
	}
	f := float64(m.now().Sub(start)) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// withLock serializes a mutation on one order id.
func (m *Manager) withLock(ctx context.Context, orderID string, fn func(models.Order) (models.Order, error)) (models.Order, error) {
	lock, err := m.locks.AcquireWait(ctx, orderID, m.cfg.LockRetry)
	if err != nil {
		return models.Order{}, errs.Internal(errs.CodeInternal, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("release order lock %s: %v", orderID, err)
		}
	}()

	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, m.storeErr(err)
	}
	return fn(order)
}

func (m *Manager) storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.Business(errs.CodeOrderNotFound, "order not found")
	case errors.Is(err, store.ErrConflict):
		return errs.Business(errs.CodeOrderState, "concurrent transition lost")
	default:
		return errs.Internal(errs.CodeStorageUnavailable, err)
	}
}

func (m *Manager) publish(ctx context.Context, eventType, entityID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, entityID, payload); err != nil {
		log.Printf("publish %s for %s: %v", eventType, entityID, err)
	}
}

func (m *Manager) audit(ctx context.Context, entityID, event, detail string) {
	if err := m.store.AppendAudit(ctx, entityID, event, detail); err != nil {
		log.Printf("audit %s for %s: %v", event, entityID, err)
	}
}

func validateSpec(spec CreateSpec) error {
	if spec.CreatorID == "" {
		return errs.Validation(errs.CodeValidation, "creator id is required")
	}
	if spec.Type == "" {
		return errs.Validation(errs.CodeValidation, "order type is required")
	}
	if len(spec.Description) > maxDescriptionLen {
		return errs.Validation(errs.CodeTextTooLong, "description exceeds %d characters", maxDescriptionLen)
	}
	if !spec.UseEstimate && spec.Reward.Sign() <= 0 {
		return errs.Validation(errs.CodeValidation, "reward must be positive")
	}
	if spec.Requirements.MinLevel < 0 {
		return errs.Validation(errs.CodeValidation, "min level cannot be negative")
	}
	for skill, level := range spec.Requirements.Skills {
		if skill == "" || level < 0 {
			return errs.Validation(errs.CodeValidation, "malformed skill requirement %q", skill)
		}
	}
	return checkpoint.Validate(spec.Checkpoints)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
