// Package notify delivers best-effort operational notifications to a
// webhook. Delivery failures are for the caller to log; they never affect
// session state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foldspace/paygate"
)

// Webhook posts notification messages as JSON to a fixed endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook notifier. Timeout defaults to 10s when zero.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type message struct {
	Channel  string            `json:"channel"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notify posts the message. A non-2xx response is an error; retrying is the
// caller's choice (in practice nobody retries, notifications are advisory).
func (w *Webhook) Notify(ctx context.Context, channel, text string, metadata map[string]string) error {
	body, err := json.Marshal(message{Channel: channel, Message: text, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Ensure Webhook implements paygate.Notifier
var _ paygate.Notifier = (*Webhook)(nil)
