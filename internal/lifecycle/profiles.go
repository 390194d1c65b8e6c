package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"player-order-service/internal/models"
)

// Profiles answers eligibility checks against external character data.
type Profiles interface {
	MeetsRequirements(ctx context.Context, characterID string, req models.Requirements) (bool, error)
}

// HTTPProfiles queries the profile service.
type HTTPProfiles struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProfiles constructs a profile client with a bounded timeout.
func NewHTTPProfiles(baseURL string, timeout time.Duration) *HTTPProfiles {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProfiles{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type eligibilityRequest struct {
	CharacterID  string              `json:"character_id"`
	Requirements models.Requirements `json:"requirements"`
}

type eligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

func (p *HTTPProfiles) MeetsRequirements(ctx context.Context, characterID string, req models.Requirements) (bool, error) {
	body, err := json.Marshal(eligibilityRequest{CharacterID: characterID, Requirements: req})
	if err != nil {
		return false, fmt.Errorf("marshal eligibility request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/eligibility", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build eligibility request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("eligibility check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("eligibility check: status %d", resp.StatusCode)
	}
	var out eligibilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode eligibility response: %w", err)
	}
	return out.Eligible, nil
}
