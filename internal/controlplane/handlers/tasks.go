package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

type enqueueTaskRequest struct {
	Prompt         string                 `json:"prompt"`
	SessionID      string                 `json:"session_id,omitempty"`
	ProjectID      string                 `json:"project_id,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
	ScheduleMode   string                 `json:"schedule_mode,omitempty"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	PermissionMode string                 `json:"permission_mode,omitempty"`
}

func (h *Handlers) enqueueTask(c *gin.Context) {
	var body enqueueTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	result, err := h.svc.EnqueueTask(c.Request.Context(), &service.EnqueueTaskRequest{
		UserID:         h.userID(c),
		Prompt:         body.Prompt,
		SessionID:      body.SessionID,
		ProjectID:      body.ProjectID,
		Config:         body.Config,
		ScheduleMode:   v1.ScheduleMode(body.ScheduleMode),
		ScheduledAt:    body.ScheduledAt,
		PermissionMode: v1.PermissionMode(body.PermissionMode),
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, result)
}

// --- Projects ---

type projectRequest struct {
	Name           string  `json:"name"`
	RepoURL        *string `json:"repo_url,omitempty"`
	GitBranch      *string `json:"git_branch,omitempty"`
	GitTokenEnvKey *string `json:"git_token_env_key,omitempty"`
}

func (h *Handlers) createProject(c *gin.Context) {
	var body projectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	project, err := h.svc.CreateProject(c.Request.Context(), &models.Project{
		UserID:         h.userID(c),
		Name:           body.Name,
		RepoURL:        body.RepoURL,
		GitBranch:      body.GitBranch,
		GitTokenEnvKey: body.GitTokenEnvKey,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, project)
}

func (h *Handlers) listProjects(c *gin.Context) {
	projects, err := h.svc.ListProjects(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"projects": projects})
}

func (h *Handlers) getProject(c *gin.Context) {
	project, err := h.svc.GetProject(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, project)
}

func (h *Handlers) updateProject(c *gin.Context) {
	var body projectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetProject(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.RepoURL != nil {
		existing.RepoURL = body.RepoURL
	}
	if body.GitBranch != nil {
		existing.GitBranch = body.GitBranch
	}
	if body.GitTokenEnvKey != nil {
		existing.GitTokenEnvKey = body.GitTokenEnvKey
	}
	project, err := h.svc.UpdateProject(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, project)
}

func (h *Handlers) deleteProject(c *gin.Context) {
	if err := h.svc.DeleteProject(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- Scheduled tasks ---

type scheduledTaskRequest struct {
	Prompt       string     `json:"prompt"`
	SessionID    *string    `json:"session_id,omitempty"`
	ScheduleMode string     `json:"schedule_mode"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Enabled      *bool      `json:"enabled,omitempty"`
}

func (h *Handlers) createScheduledTask(c *gin.Context) {
	var body scheduledTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	task, err := h.svc.CreateScheduledTask(c.Request.Context(), &models.ScheduledTask{
		UserID:       h.userID(c),
		SessionID:    body.SessionID,
		Prompt:       body.Prompt,
		ScheduleMode: v1.ScheduleMode(body.ScheduleMode),
		ScheduledAt:  body.ScheduledAt,
		Enabled:      enabled,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, task)
}

func (h *Handlers) listScheduledTasks(c *gin.Context) {
	tasks, err := h.svc.ListScheduledTasks(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"scheduled_tasks": tasks})
}

func (h *Handlers) getScheduledTask(c *gin.Context) {
	task, err := h.svc.GetScheduledTask(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, task)
}

func (h *Handlers) updateScheduledTask(c *gin.Context) {
	var body scheduledTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetScheduledTask(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Prompt != "" {
		existing.Prompt = body.Prompt
	}
	if body.SessionID != nil {
		existing.SessionID = body.SessionID
	}
	if body.ScheduleMode != "" {
		existing.ScheduleMode = v1.ScheduleMode(body.ScheduleMode)
	}
	if body.ScheduledAt != nil {
		existing.ScheduledAt = body.ScheduledAt
	}
	if body.Enabled != nil {
		existing.Enabled = *body.Enabled
	}
	task, err := h.svc.UpdateScheduledTask(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, task)
}

func (h *Handlers) deleteScheduledTask(c *gin.Context) {
	if err := h.svc.DeleteScheduledTask(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}
