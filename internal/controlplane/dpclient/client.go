// Package dpclient is the control plane's best-effort client for the
// dispatcher admin API, used to relay session cancellation to the executor.
package dpclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
)

// Client relays cancels to one dispatcher.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a dispatcher admin client. An empty baseURL returns nil: the
// control plane then cancels locally only.
func New(baseURL, token string, log *logger.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "dp-client")),
	}
}

// CancelSession asks the dispatcher to abort a session's executor.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/v1/sessions/"+sessionID+"/cancel", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher cancel request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatcher cancel failed with status %d", resp.StatusCode)
	}
	return nil
}
