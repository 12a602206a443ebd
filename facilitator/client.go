// Package facilitator talks to a remote verify/settle service over HTTP.
// The cryptographic validation of payment proofs lives entirely on the
// facilitator side; this client only carries requests and maps responses.
package facilitator

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

// Config configures the HTTP facilitator client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for requests. Defaults to 30s when no HTTPClient is given.
	Timeout time.Duration

	// APIKey, when set, is sent as a bearer token.
	APIKey string
}

// HTTPClient implements paygate.Facilitator against a remote service
// exposing POST /verify and POST /settle.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	apiKey     string
}

// NewHTTPClient creates an HTTP facilitator client.
func NewHTTPClient(config Config) *HTTPClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPClient{
		url:        config.URL,
		httpClient: httpClient,
		apiKey:     config.APIKey,
	}
}

// request is the wire shape shared by /verify and /settle.
type request struct {
	PaymentPayload      paygate.PaymentProof        `json:"paymentPayload"`
	PaymentRequirements paygate.PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks a payment proof against the requirements.
func (c *HTTPClient) Verify(ctx context.Context, proof paygate.PaymentProof, requirements paygate.PaymentRequirements) (*paygate.VerifyResult, error) {
	body, status, err := c.post(ctx, "/verify", request{PaymentPayload: proof, PaymentRequirements: requirements})
	if err != nil {
		return nil, err
	}

	var result paygate.VerifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	// Non-200 with a structured reason is a verdict, not a transport error.
	if status != http.StatusOK && result.InvalidReason == "" {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return &result, nil
}

// Settle executes a verified payment.
func (c *HTTPClient) Settle(ctx context.Context, proof paygate.PaymentProof, requirements paygate.PaymentRequirements) (*paygate.SettleResult, error) {
	body, status, err := c.post(ctx, "/settle", request{PaymentPayload: proof, PaymentRequirements: requirements})
	if err != nil {
		return nil, err
	}

	var result paygate.SettleResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}

	if status != http.StatusOK && result.ErrorReason == "" {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return &result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload request) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
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

// Ensure HTTPClient implements paygate.Facilitator
var _ paygate.Facilitator = (*HTTPClient)(nil)
