// Package scoring calls the external vitals risk-scoring service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/medgrid/vitalwatch/internal/models"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the scoring service. Message holds
// the service's detail string when it sent one, otherwise the HTTP status
// text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scoring service error (status %d): %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the scoring service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a scoring client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Predict submits one vitals reading and returns the model's risk
// assessment. The reading is passed through as-is: validation happens
// before this call, not in it.
func (c *Client) Predict(ctx context.Context, vitals *models.VitalsReading) (*models.Prediction, error) {
	body, err := json.Marshal(vitals)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vitals: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var prediction models.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	return &prediction, nil
}

// Health probes the scoring service root. A 2xx response means reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scoring service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// apiError extracts the optional {"detail": "..."} body the service sends
// with failures.
func apiError(resp *http.Response) *APIError {
	msg := http.StatusText(resp.StatusCode)
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Detail != "" {
		msg = body.Detail
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
