package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"player-order-service/internal/errs"
	"player-order-service/internal/estimate"
	"player-order-service/internal/models"
)

// Store is the persistence surface the ledger needs. The pgx store
// implements it; tests use an in-memory fake.
type Store interface {
	GetEscrowByOrder(ctx context.Context, orderID string) (models.EscrowAccount, bool, error)
	InsertEscrow(ctx context.Context, acct models.EscrowAccount) error
	// UpdateEscrow persists acct only while the stored state still
	// equals fromState, keeping transitions monotonic under races.
	UpdateEscrow(ctx context.Context, acct models.EscrowAccount, fromState string) error
}

// Ledger is the only component allowed to mutate escrow accounts.
// Lifecycle code requests hold/release/refund through it and never
// writes balances directly.
type Ledger struct {
	store        Store
	wallet       Wallet
	holdAttempts int
	retryBackoff time.Duration
	now          func() time.Time
}

// New constructs the ledger. holdAttempts bounds retries against the
// wallet when reserving funds.
func New(store Store, wallet Wallet, holdAttempts int, retryBackoff time.Duration) *Ledger {
	if holdAttempts <= 0 {
		holdAttempts = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 200 * time.Millisecond
	}
	return &Ledger{
		store:        store,
		wallet:       wallet,
		holdAttempts: holdAttempts,
		retryBackoff: retryBackoff,
		now:          time.Now,
	}
}

// Hold reserves amount from the payer and creates the held account.
// The wallet reservation is idempotent (keyed by order), so a retried
// Hold after a timeout either finds the account or re-issues the same
// reservation; escrow is never left half-held.
func (l *Ledger) Hold(ctx context.Context, orderID, payerID string, amount decimal.Decimal, condition string) (models.EscrowAccount, error) {
	if amount.Sign() <= 0 {
		return models.EscrowAccount{}, errs.Validation(errs.CodeValidation, "escrow amount must be positive")
	}

	if existing, found, err := l.store.GetEscrowByOrder(ctx, orderID); err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	} else if found {
		if existing.State == models.EscrowHeld && existing.Amount.Equal(amount) {
			return existing, nil
		}
		return models.EscrowAccount{}, errs.Business(errs.CodeOrderState, "escrow for order %s already %s", orderID, existing.State)
	}

	if err := l.reserveWithRetry(ctx, orderID, payerID, amount); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return models.EscrowAccount{}, errs.Business(errs.CodeInsufficientFunds, "payer balance cannot cover %s", amount)
		}
		return models.EscrowAccount{}, errs.Internal(errs.CodeEscrowUnavailable, err)
	}

	now := l.now().UTC()
	acct := models.EscrowAccount{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Amount:    amount,
		Released:  decimal.Zero,
		Refunded:  decimal.Zero,
		Forfeited: decimal.Zero,
		Condition: condition,
		State:     models.EscrowHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.InsertEscrow(ctx, acct); err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	return acct, nil
}

func (l *Ledger) reserveWithRetry(ctx context.Context, orderID, payerID string, amount decimal.Decimal) error {
	reservationID := "hold:" + orderID
	var last error
	for attempt := 0; attempt < l.holdAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryBackoff * time.Duration(attempt)):
			}
		}
		last = l.wallet.Reserve(ctx, reservationID, payerID, amount)
		if last == nil || errors.Is(last, ErrInsufficientFunds) {
			return last
		}
	}
	return last
}

// Release pays out the full held amount to the assignee. Calling it on
// an already-released account is a no-op returning the prior result.
func (l *Ledger) Release(ctx context.Context, orderID, assigneeID string) (models.EscrowAccount, error) {
	acct, found, err := l.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if !found {
		return models.EscrowAccount{}, errs.Business(errs.CodeOrderState, "no escrow for order %s", orderID)
	}
	if acct.State == models.EscrowReleased {
		return acct, nil
	}
	if acct.State != models.EscrowHeld {
		return models.EscrowAccount{}, errs.Business(errs.CodeOrderState, "escrow for order %s is %s, not held", orderID, acct.State)
	}

	if err := l.wallet.Payout(ctx, "release:"+orderID, assigneeID, acct.Amount); err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeEscrowUnavailable, err)
	}

	acct.Released = acct.Amount
	acct.State = models.EscrowReleased
	acct.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateEscrow(ctx, acct, models.EscrowHeld); err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	return acct, nil
}

// Refund returns fraction×amount to the creator and forfeits the rest
// to the platform pool. fraction must lie in [0,1]; 1.0 yields the
// refunded state, 0 forfeited, anything between partially_refunded.
// Like Release it is idempotent on an already-settled account.
func (l *Ledger) Refund(ctx context.Context, orderID, creatorID string, fraction decimal.Decimal) (models.EscrowAccount, error) {
	one := decimal.NewFromInt(1)
	if fraction.Sign() < 0 || fraction.GreaterThan(one) {
		return models.EscrowAccount{}, errs.Validation(errs.CodeFractionRange, "refund fraction %s outside [0,1]", fraction)
	}

	acct, found, err := l.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if !found {
		return models.EscrowAccount{}, errs.Business(errs.CodeOrderState, "no escrow for order %s", orderID)
	}
	if acct.State == models.EscrowRefunded || acct.State == models.EscrowPartiallyRefunded || acct.State == models.EscrowForfeited {
		return acct, nil
	}
	if acct.State != models.EscrowHeld {
		return models.EscrowAccount{}, errs.Business(errs.CodeOrderState, "escrow for order %s is %s, not held", orderID, acct.State)
	}

	refund := estimate.RoundMinorUnits(acct.Amount.Mul(fraction))
	forfeit := acct.Amount.Sub(refund)

	if refund.Sign() > 0 {
		if err := l.wallet.Refund(ctx, "refund:"+orderID, creatorID, refund); err != nil {
			return models.EscrowAccount{}, errs.Internal(errs.CodeEscrowUnavailable, err)
		}
	}
	if forfeit.Sign() > 0 {
		if err := l.wallet.Forfeit(ctx, "forfeit:"+orderID, forfeit); err != nil {
			return models.EscrowAccount{}, errs.Internal(errs.CodeEscrowUnavailable, err)
		}
	}

	acct.Refunded = refund
	acct.Forfeited = forfeit
	switch {
	case forfeit.Sign() == 0:
		acct.State = models.EscrowRefunded
	case refund.Sign() == 0:
		acct.State = models.EscrowForfeited
	default:
		acct.State = models.EscrowPartiallyRefunded
	}
	acct.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateEscrow(ctx, acct, models.EscrowHeld); err != nil {
		return models.EscrowAccount{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	return acct, nil
}

// Conserved reports whether released + refunded + forfeited matches
// the held amount for a settled account, and that nothing has moved on
// a held one.
func Conserved(acct models.EscrowAccount) bool {
	moved := acct.Released.Add(acct.Refunded).Add(acct.Forfeited)
	switch acct.State {
	case models.EscrowUnfunded, models.EscrowHeld:
		return moved.IsZero()
	default:
		return moved.Equal(acct.Amount)
	}
}
