package rating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPModeration calls the content moderation service to screen review
// text before it becomes visible.
type HTTPModeration struct {
	baseURL string
	client  *http.Client
}

// NewHTTPModeration constructs a moderation client with a bounded
// timeout.
func NewHTTPModeration(baseURL string, timeout time.Duration) *HTTPModeration {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPModeration{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type screenRequest struct {
	Text string `json:"text"`
}

type screenResponse struct {
	Flag string `json:"flag"`
}

// Screen returns "warning" or "dispute" for text needing review, ""
// for clean text.
func (m *HTTPModeration) Screen(ctx context.Context, comment string) (string, error) {
	body, err := json.Marshal(screenRequest{Text: comment})
	if err != nil {
		return "", fmt.Errorf("marshal screen request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/screen", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build screen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("moderation screen: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("moderation screen: status %d", resp.StatusCode)
	}
	var out screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode screen response: %w", err)
	}
	return out.Flag, nil
}
