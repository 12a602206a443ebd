// Package provider submits paid jobs to the downstream Samsar generation API
// and maps its responses into orchestrator-understood outcomes.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foldspace/paygate"
)

// Config configures the downstream provider client.
type Config struct {
	// URL is the base URL of the provider API.
	URL string

	// APIKey authenticates requests (sent as a bearer token).
	APIKey string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for requests. Defaults to 30s when no HTTPClient is given.
	Timeout time.Duration
}

// Client talks to the Samsar request API: submit a job, poll its status.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a downstream provider client.
func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:        config.URL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}
}

// submitResponse is the provider's acknowledgement of a new job.
type submitResponse struct {
	ID string `json:"id"`
}

// statusResponse is the provider's report for a submitted job. Status values
// are normalized into the tagged DownstreamState; unknown values map to
// pending so a provider-side vocabulary change degrades to continued polling
// rather than a spurious failure.
type statusResponse struct {
	Status    string `json:"status"`
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit sends the stored payload verbatim and returns the provider's job id.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	body, status, err := c.do(ctx, http.MethodPost, "/requests", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("provider submit failed (%d): %s", status, string(body))
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider submit returned no request id")
	}
	return resp.ID, nil
}

// GetStatus reports the state of a previously submitted job.
func (c *Client) GetStatus(ctx context.Context, id string) (*paygate.DownstreamStatus, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/requests/"+id, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("provider status failed (%d): %s", status, string(body))
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	switch resp.Status {
	case "completed", "succeeded":
		return &paygate.DownstreamStatus{State: paygate.DownstreamCompleted, ResultRef: resp.ResultURL}, nil
	case "failed", "error":
		return &paygate.DownstreamStatus{State: paygate.DownstreamFailed, Reason: resp.Error}, nil
	default:
		return &paygate.DownstreamStatus{State: paygate.DownstreamPending}, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s response: %w", path, err)
	}
	return responseBody, resp.StatusCode, nil
}

// Ensure Client implements paygate.Provider
var _ paygate.Provider = (*Client)(nil)
