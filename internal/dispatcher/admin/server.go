// Package admin is the dispatcher's HTTP surface: executor callbacks, the
// cancel relay from the control plane, and workspace maintenance.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/httpmw"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/dispatcher"
	"github.com/opencowork/opencowork/internal/dispatcher/cpclient"
	"github.com/opencowork/opencowork/internal/dispatcher/workspace"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// Handlers serves the dispatcher admin API.
type Handlers struct {
	disp       *dispatcher.Dispatcher
	cp         *cpclient.Client
	workspaces *workspace.Manager
	logger     *logger.Logger
}

// NewHandlers creates the dispatcher admin handler set.
func NewHandlers(disp *dispatcher.Dispatcher, cp *cpclient.Client, workspaces *workspace.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		disp:       disp,
		cp:         cp,
		workspaces: workspaces,
		logger:     log.WithFields(zap.String("component", "dispatcher-admin")),
	}
}

// RegisterRoutes mounts the admin API.
func (h *Handlers) RegisterRoutes(router *gin.Engine, token string) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	internal := router.Group("/internal/v1", httpmw.InternalAuth(token))
	{
		internal.POST("/callbacks", h.relayCallback)
		internal.POST("/user-input-requests", h.relayUserInputCreate)
		internal.GET("/user-input-requests/:id", h.relayUserInputGet)
		internal.POST("/sessions/:id/cancel", h.cancelSession)
		internal.GET("/workspaces/disk-usage", h.diskUsage)
		internal.POST("/workspaces/cleanup", h.triggerCleanup)
	}
}

// relayCallback forwards an executor callback to the control plane. Terminal
// callbacks are tagged with a pending export status, and the export job runs
// after the forward succeeds.
func (h *Handlers) relayCallback(c *gin.Context) {
	var req v1.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	terminal := req.Status.Terminal()
	exporter := h.disp.Exporter()
	if terminal && exporter.Enabled() && req.WorkspaceExportStatus == "" {
		req.WorkspaceExportStatus = "pending"
	}

	if err := h.cp.Callback(c.Request.Context(), &req); err != nil {
		h.logger.Error("failed to relay callback",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "callback relay failed"})
		return
	}

	if terminal {
		h.disp.OnTerminal(req.RunID)
		if exporter.Enabled() {
			userID, sessionID, ok := h.resolveSessionOwner(c.Request.Context(), req.SessionID)
			if ok {
				go exporter.Export(context.WithoutCancel(c.Request.Context()), userID, sessionID, req.RunID)
			} else {
				h.logger.Warn("skipping export for unknown session",
					zap.String("session_id", req.SessionID))
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"relayed": true})
}

// resolveSessionOwner maps a callback session id (uuid or sdk id) to the
// session uuid and owning user.
func (h *Handlers) resolveSessionOwner(ctx context.Context, sessionID string) (userID, resolvedID string, ok bool) {
	if uid, found := h.disp.LookupActiveSession(sessionID); found {
		return uid, sessionID, true
	}
	ref, err := h.cp.SessionBySdkID(ctx, sessionID)
	if err != nil {
		return "", "", false
	}
	return ref.UserID, ref.ID, true
}

// relayUserInputCreate forwards an executor's blocking question to the
// control plane.
func (h *Handlers) relayUserInputCreate(c *gin.Context) {
	var req v1.UserInputRequestCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	input, err := h.cp.CreateUserInputRequest(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("failed to relay input request",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "input request relay failed"})
		return
	}
	c.JSON(http.StatusOK, input)
}

// relayUserInputGet lets executors poll a question for its answer.
func (h *Handlers) relayUserInputGet(c *gin.Context) {
	input, err := h.cp.GetUserInputRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		if cpclient.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "input request not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "input request lookup failed"})
		return
	}
	c.JSON(http.StatusOK, input)
}

// cancelSession is the control plane's cancel relay target.
func (h *Handlers) cancelSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.disp.CancelSession(c.Request.Context(), sessionID); err != nil {
		h.logger.Warn("session cancel relay failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"cancelled": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *Handlers) diskUsage(c *gin.Context) {
	c.JSON(http.StatusOK, h.workspaces.Usage())
}

func (h *Handlers) triggerCleanup(c *gin.Context) {
	removed, archived := h.workspaces.Cleanup(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed, "archived": archived})
}
