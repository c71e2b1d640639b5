package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/ensrun/internal/logging"
	"github.com/me/ensrun/pkg/model"
)

// Client talks to the status API served by "ensrun run --listen".
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a status API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logging.OrDiscard(logger).With("component", "api-client"),
	}
}

// envelope mirrors model.Response with the payload left undecoded.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

// call sends a bodyless request and decodes the envelope data into out.
// An error envelope is returned as *model.APIError.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("api call", "method", method, "url", target, "status", resp.StatusCode, "duration", time.Since(start).String())

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if env.Status != "ok" {
		return fmt.Errorf("unexpected response status %q (HTTP %d)", env.Status, resp.StatusCode)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// queueState is the GET /queue payload.
type queueState struct {
	model.QueueSummary
	IsRunning bool `json:"is_running"`
}

// Queue fetches the queue summary.
func (c *Client) Queue(ctx context.Context) (queueState, error) {
	var st queueState
	err := c.call(ctx, http.MethodGet, "/api/v1/queue", nil, &st)
	return st, err
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string) ([]model.JobView, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": {status}}
	}
	var views []model.JobView
	err := c.call(ctx, http.MethodGet, "/api/v1/queue/jobs", q, &views)
	return views, err
}

// KillAll asks the server to kill every unfinished job.
func (c *Client) KillAll(ctx context.Context) (model.QueueSummary, error) {
	var sum model.QueueSummary
	err := c.call(ctx, http.MethodPut, "/api/v1/queue/kill", nil, &sum)
	return sum, err
}
