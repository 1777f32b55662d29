// Package cpclient is the dispatcher's client for the control plane internal
// API: claiming runs, lease upkeep, configuration resolution, and callbacks.
package cpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// Client talks to the control plane /internal/v1 API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a control plane client.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "cp-client")),
	}
}

// envelope mirrors the control plane response body.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError is a non-zero envelope code returned by the control plane.
type APIError struct {
	Code    int
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// IsConflict reports whether the error is a lease/worker conflict.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusConflict
}

// IsNotFound reports whether the error is a missing resource.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// do sends one request and decodes the envelope into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message, Status: resp.StatusCode}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// ClaimRuns asks for claimable runs in the given modes.
func (c *Client) ClaimRuns(ctx context.Context, req *v1.ClaimRequest) (*v1.ClaimResponse, error) {
	var resp v1.ClaimResponse
	if err := c.do(ctx, http.MethodPost, "/internal/v1/runs/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRun moves a claimed run to running.
func (c *Client) StartRun(ctx context.Context, runID, workerID string) error {
	return c.do(ctx, http.MethodPost, "/internal/v1/runs/"+runID+"/start",
		&v1.StartRunRequest{WorkerID: workerID}, nil)
}

// HeartbeatRun extends the lease on a run.
func (c *Client) HeartbeatRun(ctx context.Context, runID, workerID string) error {
	return c.do(ctx, http.MethodPost, "/internal/v1/runs/"+runID+"/heartbeat",
		&v1.HeartbeatRequest{WorkerID: workerID}, nil)
}

// FailRun marks a run failed from the dispatcher side.
func (c *Client) FailRun(ctx context.Context, runID, workerID, errMsg string) error {
	return c.do(ctx, http.MethodPost, "/internal/v1/runs/"+runID+"/fail",
		&v1.FailRunRequest{WorkerID: workerID, Error: errMsg}, nil)
}

// SessionRef is the slice of a session the dispatcher needs for routing.
type SessionRef struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	SdkSessionID string `json:"sdk_session_id,omitempty"`
	Status       string `json:"status"`
}

// SessionBySdkID resolves a session by the SDK-assigned session id.
func (c *Client) SessionBySdkID(ctx context.Context, sdkSessionID string) (*SessionRef, error) {
	var ref SessionRef
	if err := c.do(ctx, http.MethodGet, "/internal/v1/sessions/by-sdk-id/"+url.PathEscape(sdkSessionID), nil, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Callback relays an executor callback to the control plane.
func (c *Client) Callback(ctx context.Context, req *v1.CallbackRequest) error {
	return c.do(ctx, http.MethodPost, "/internal/v1/callbacks", req, nil)
}

// CreateUserInputRequest relays a blocking question raised by an executor.
func (c *Client) CreateUserInputRequest(ctx context.Context, req *v1.UserInputRequestCreate) (*models.UserInputRequest, error) {
	var input models.UserInputRequest
	if err := c.do(ctx, http.MethodPost, "/internal/v1/user-input-requests", req, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// GetUserInputRequest fetches one input request so executors can poll for
// the answer.
func (c *Client) GetUserInputRequest(ctx context.Context, requestID string) (*models.UserInputRequest, error) {
	var input models.UserInputRequest
	if err := c.do(ctx, http.MethodGet, "/internal/v1/user-input-requests/"+url.PathEscape(requestID), nil, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// resolveQuery builds the shared user_id/ids query string. A nil ids slice
// omits the parameter so the control plane applies defaults.
func resolveQuery(userID string, ids []string) string {
	q := url.Values{}
	q.Set("user_id", userID)
	if ids != nil {
		q.Set("ids", strings.Join(ids, ","))
	}
	return "?" + q.Encode()
}

// ResolveMcpConfig fetches the materialized MCP server map for a session.
func (c *Client) ResolveMcpConfig(ctx context.Context, userID string, ids []string) (map[string]service.McpServerEntry, error) {
	var resp struct {
		McpServers map[string]service.McpServerEntry `json:"mcp_servers"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/mcp-config"+resolveQuery(userID, ids), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.McpServers, nil
}

// ResolveSkills fetches enabled skills with their file payloads.
func (c *Client) ResolveSkills(ctx context.Context, userID string, ids []string) ([]service.ResolvedSkill, error) {
	var resp struct {
		Skills []service.ResolvedSkill `json:"skills"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/skills"+resolveQuery(userID, ids), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Skills, nil
}

// ResolveSlashCommands fetches the user's enabled slash commands.
func (c *Client) ResolveSlashCommands(ctx context.Context, userID string) ([]service.ResolvedSlashCommand, error) {
	var resp struct {
		SlashCommands []service.ResolvedSlashCommand `json:"slash_commands"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/slash-commands"+resolveQuery(userID, nil), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.SlashCommands, nil
}

// ResolveSubAgents fetches the materialized sub-agent definitions.
func (c *Client) ResolveSubAgents(ctx context.Context, userID string, ids []string) ([]service.ResolvedSubAgent, error) {
	var resp struct {
		SubAgents []service.ResolvedSubAgent `json:"sub_agents"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/sub-agents"+resolveQuery(userID, ids), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.SubAgents, nil
}

// ResolveEnv fetches the merged, decrypted environment for a user.
func (c *Client) ResolveEnv(ctx context.Context, userID string) (map[string]string, error) {
	var resp struct {
		Env map[string]string `json:"env"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/env"+resolveQuery(userID, nil), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Env, nil
}

// ResolveClaudeMd fetches the combined CLAUDE.md document.
func (c *Client) ResolveClaudeMd(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/resolve/claude-md"+resolveQuery(userID, nil), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
