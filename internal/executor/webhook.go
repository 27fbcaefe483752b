package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cronflow/internal/domain"
)

const TypeWebhook = "webhook"

// Webhook POSTs the task as JSON to a fixed URL. Any status >= 400 is a
// failed attempt.
type Webhook struct {
	url    string
	client *http.Client
}

type webhookBody struct {
	TaskID         string    `json:"task_id"`
	Owner          string    `json:"owner"`
	Message        string    `json:"message"`
	Schedule       string    `json:"schedule"`
	ExecutionCount int       `json:"execution_count"`
	FiredAt        time.Time `json:"fired_at"`
}

func NewWebhook(rawURL string, timeout time.Duration) (*Webhook, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL %q", rawURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second // default 30 seconds
	}
	return &Webhook{url: rawURL, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Type() string { return TypeWebhook }

func (w *Webhook) Run(ctx context.Context, t domain.Task) error {
	body, err := json.Marshal(webhookBody{
		TaskID:         t.ID,
		Owner:          t.Owner,
		Message:        t.Payload,
		Schedule:       t.Schedule,
		ExecutionCount: t.ExecutionCount,
		FiredAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", t.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// keep error bodies short; they end up in logs and attempt history
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
