// Package handlers exposes the control plane HTTP surfaces: the public /v1
// API and the dispatcher-facing /internal/v1 API.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/common/httpmw"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	"github.com/opencowork/opencowork/internal/events/bus"
	"github.com/opencowork/opencowork/internal/storage"
)

// Handlers carries the control plane HTTP dependencies.
type Handlers struct {
	svc      *service.Service
	eventBus bus.EventBus
	store    *storage.Client // nil when export storage is disabled
	logger   *logger.Logger
}

// NewHandlers creates the control plane handler set.
func NewHandlers(svc *service.Service, eventBus bus.EventBus, store *storage.Client, log *logger.Logger) *Handlers {
	return &Handlers{
		svc:      svc,
		eventBus: eventBus,
		store:    store,
		logger:   log.WithFields(zap.String("component", "controlplane-handlers")),
	}
}

// RegisterRoutes mounts the public and internal API groups.
func (h *Handlers) RegisterRoutes(router *gin.Engine, internalToken string) {
	router.GET("/healthz", h.health)

	api := router.Group("/v1")
	{
		api.POST("/tasks", h.enqueueTask)

		api.GET("/sessions", h.listSessions)
		api.GET("/sessions/:id", h.getSession)
		api.PATCH("/sessions/:id", h.updateSession)
		api.DELETE("/sessions/:id", h.deleteSession)
		api.POST("/sessions/:id/cancel", h.cancelSession)
		api.GET("/sessions/:id/messages", h.listMessages)
		api.GET("/sessions/:id/tools", h.listToolExecutions)
		api.GET("/sessions/:id/inputs", h.listInputRequests)
		api.POST("/sessions/:id/inputs/:requestId/answer", h.answerInputRequest)
		api.GET("/sessions/:id/usage", h.sessionUsage)
		api.GET("/sessions/:id/workspace", h.workspaceInfo)
		api.GET("/sessions/:id/workspace/files", h.workspaceFileTree)
		api.GET("/sessions/:id/workspace/file", h.workspaceFileContent)

		api.GET("/projects", h.listProjects)
		api.POST("/projects", h.createProject)
		api.GET("/projects/:id", h.getProject)
		api.PATCH("/projects/:id", h.updateProject)
		api.DELETE("/projects/:id", h.deleteProject)

		api.GET("/scheduled-tasks", h.listScheduledTasks)
		api.POST("/scheduled-tasks", h.createScheduledTask)
		api.GET("/scheduled-tasks/:id", h.getScheduledTask)
		api.PATCH("/scheduled-tasks/:id", h.updateScheduledTask)
		api.DELETE("/scheduled-tasks/:id", h.deleteScheduledTask)

		h.registerCatalogRoutes(api)
	}

	router.GET("/ws/sessions/:id", h.sessionEventStream)

	internal := router.Group("/internal/v1", httpmw.InternalAuth(internalToken))
	{
		internal.POST("/runs/claim", h.claimRuns)
		internal.POST("/runs/:id/start", h.startRun)
		internal.POST("/runs/:id/heartbeat", h.heartbeatRun)
		internal.POST("/runs/:id/fail", h.failRun)
		internal.POST("/callbacks", h.callback)
		internal.POST("/user-input-requests", h.createUserInputRequest)
		internal.GET("/user-input-requests/:id", h.getUserInputRequest)
		internal.GET("/sessions/by-sdk-id/:sdkId", h.sessionBySdkID)

		internal.GET("/resolve/mcp-config", h.resolveMcpConfig)
		internal.GET("/resolve/skills", h.resolveSkills)
		internal.GET("/resolve/slash-commands", h.resolveSlashCommands)
		internal.GET("/resolve/sub-agents", h.resolveSubAgents)
		internal.GET("/resolve/env", h.resolveEnv)
		internal.GET("/resolve/claude-md", h.resolveClaudeMd)
	}
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// envelope is the uniform response body: code 0 means success.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (h *Handlers) respond(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Code: apperr.CodeOK, Data: data})
}

func (h *Handlers) respondErr(c *gin.Context, err error) {
	appErr := apperr.From(err)
	status := apperr.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("code", appErr.Code),
			zap.Error(err))
	}
	c.JSON(status, envelope{Code: appErr.Code, Message: appErr.Message, Data: appErr.Data})
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// userID reads the caller identity. Authentication is out of scope; the
// gateway in front of the control plane sets this header.
func (h *Handlers) userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "default"
}
