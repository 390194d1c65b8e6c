package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned by a wallet when the payer cannot
// cover a reservation. It is terminal; the ledger does not retry it.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Wallet is the external currency service. Every call is idempotent
// keyed by the caller-supplied operation ID, so retries after timeouts
// never double-move funds.
type Wallet interface {
	// Reserve locks amount from the payer under the reservation ID.
	Reserve(ctx context.Context, reservationID, payerID string, amount decimal.Decimal) error
	// Payout transfers amount from the reservation to the payee.
	Payout(ctx context.Context, transferID, payeeID string, amount decimal.Decimal) error
	// Refund returns amount from the reservation to the payer.
	Refund(ctx context.Context, transferID, payerID string, amount decimal.Decimal) error
	// Forfeit moves amount from the reservation to the platform pool.
	Forfeit(ctx context.Context, transferID string, amount decimal.Decimal) error
}

// HTTPWallet talks to the wallet service over its internal REST API.
type HTTPWallet struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWallet constructs a wallet client with a bounded per-call
// timeout.
func NewHTTPWallet(baseURL string, timeout time.Duration) *HTTPWallet {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPWallet{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type walletOp struct {
	OperationID string `json:"operation_id"`
	AccountID   string `json:"account_id,omitempty"`
	Amount      string `json:"amount"`
}

func (w *HTTPWallet) post(ctx context.Context, path string, op walletOp) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal wallet op: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
		return ErrInsufficientFunds
	default:
		return fmt.Errorf("wallet %s: status %d", path, resp.StatusCode)
	}
}

func (w *HTTPWallet) Reserve(ctx context.Context, reservationID, payerID string, amount decimal.Decimal) error {
	return w.post(ctx, "/reservations", walletOp{OperationID: reservationID, AccountID: payerID, Amount: amount.String()})
}

func (w *HTTPWallet) Payout(ctx context.Context, transferID, payeeID string, amount decimal.Decimal) error {
	return w.post(ctx, "/payouts", walletOp{OperationID: transferID, AccountID: payeeID, Amount: amount.String()})
}

func (w *HTTPWallet) Refund(ctx context.Context, transferID, payerID string, amount decimal.Decimal) error {
	return w.post(ctx, "/refunds", walletOp{OperationID: transferID, AccountID: payerID, Amount: amount.String()})
}

func (w *HTTPWallet) Forfeit(ctx context.Context, transferID string, amount decimal.Decimal) error {
	return w.post(ctx, "/forfeitures", walletOp{OperationID: transferID, Amount: amount.String()})
}
