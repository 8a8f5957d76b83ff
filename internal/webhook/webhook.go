// Package webhook delivers finished analyses to the downstream record keeper.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/frameagent/frameagent/internal/logging"
)

// Record is the JSON body posted to the webhook.
type Record struct {
	RecordID string `json:"record_id"`
	Analysis string `json:"analysis"`
}

// DispatchError represents a non-200 answer from the webhook.
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("webhook dispatch failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Dispatcher posts one Record per call. It never retries.
type Dispatcher struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher for url. A zero timeout means the client
// waits indefinitely.
func NewDispatcher(url string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.WithComponent(logging.OrDiscard(logger), "webhook"),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.httpClient = c
	return d
}

// Dispatch posts {record_id, analysis}. It returns the HTTP status of the
// response, or a *DispatchError when that status is not 200.
func (d *Dispatcher) Dispatch(ctx context.Context, recordID, analysis string) (int, error) {
	body, err := json.Marshal(Record{RecordID: recordID, Analysis: analysis})
	if err != nil {
		return 0, fmt.Errorf("marshal dispatch record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	d.logger.Info("dispatching analysis",
		"url", logging.SanitizeURL(d.url),
		"record_id", recordID,
		"body_bytes", len(body),
	)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		d.logger.Info("analysis dispatched", "record_id", recordID)
		return resp.StatusCode, nil
	}

	return resp.StatusCode, &DispatchError{StatusCode: resp.StatusCode, Body: string(respBody)}
}
