package estimate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPFactions resolves faction standing multipliers from the faction
// service.
type HTTPFactions struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFactions constructs a faction client with a bounded timeout.
func NewHTTPFactions(baseURL string, timeout time.Duration) *HTTPFactions {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPFactions{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type standingResponse struct {
	Multiplier float64 `json:"multiplier"`
}

func (f *HTTPFactions) Multiplier(ctx context.Context, factionID string) (decimal.Decimal, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.baseURL+"/factions/"+url.PathEscape(factionID)+"/standing", nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build standing request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("faction standing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decimal.Decimal{}, fmt.Errorf("faction standing: status %d", resp.StatusCode)
	}
	var out standingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode standing response: %w", err)
	}
	if out.Multiplier <= 0 {
		return decimal.Decimal{}, fmt.Errorf("faction %s standing multiplier %v out of range", factionID, out.Multiplier)
	}
	return decimal.NewFromFloat(out.Multiplier), nil
}
