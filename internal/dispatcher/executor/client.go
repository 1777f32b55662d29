// Package executor is the HTTP client for the agent executor running inside
// a session container. The executor is opaque: the dispatcher hands it a
// prompt and environment, and progress flows back through callbacks.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
)

// ExecuteRequest starts a run inside the executor.
type ExecuteRequest struct {
	RunID          string            `json:"run_id"`
	SessionID      string            `json:"session_id"`
	Prompt         string            `json:"prompt"`
	Env            map[string]string `json:"env,omitempty"`
	SdkSessionID   string            `json:"sdk_session_id,omitempty"` // resume
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	CallbackURL    string            `json:"callback_url"`
}

// Client talks to one executor container.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates an executor client for a container endpoint.
func New(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "executor-client")),
	}
}

// WaitHealthy polls the executor health endpoint until it responds or ctx
// expires.
func (c *Client) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	probe := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := probe.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("executor at %s not healthy after %s", c.baseURL, timeout)
}

// Execute submits a run to the executor.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal execute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("execute failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Cancel asks the executor to abort the current run.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/cancel", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel failed with status %d", resp.StatusCode)
	}
	return nil
}
