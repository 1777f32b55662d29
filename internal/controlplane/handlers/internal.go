package handlers

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opencowork/opencowork/internal/common/apperr"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// --- Run queue (dispatcher-facing) ---

func (h *Handlers) claimRuns(c *gin.Context) {
	var req v1.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	resp, err := h.svc.ClaimRuns(c.Request.Context(), &req)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, resp)
}

func (h *Handlers) startRun(c *gin.Context) {
	var req v1.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	run, err := h.svc.StartRun(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, run)
}

func (h *Handlers) heartbeatRun(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := h.svc.HeartbeatRun(c.Request.Context(), c.Param("id"), &req); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"extended": true})
}

func (h *Handlers) failRun(c *gin.Context) {
	var req v1.FailRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := h.svc.FailRun(c.Request.Context(), c.Param("id"), &req); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"failed": true})
}

// --- Callback intake ---

func (h *Handlers) callback(c *gin.Context) {
	var req v1.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	result, err := h.svc.HandleCallback(c.Request.Context(), &req)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, result)
}

// --- User input (executor-facing) ---

func (h *Handlers) createUserInputRequest(c *gin.Context) {
	var req v1.UserInputRequestCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	input, err := h.svc.CreateUserInput(c.Request.Context(), &req)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, input)
}

func (h *Handlers) getUserInputRequest(c *gin.Context) {
	input, err := h.svc.GetUserInput(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, input)
}

func (h *Handlers) sessionBySdkID(c *gin.Context) {
	session, err := h.svc.Repo().GetSessionBySdkID(c.Request.Context(), c.Param("sdkId"))
	if err != nil {
		if isNoRows(err) {
			h.respondErr(c, apperr.NotFound("session not found"))
			return
		}
		h.respondErr(c, apperr.Wrap(apperr.CodeDatabase, "failed to load session", err))
		return
	}
	h.respond(c, session)
}

// --- Resolution (used by the dispatcher while staging workspaces) ---

// resolveUserID is the identity for internal resolution calls. The dispatcher
// passes it explicitly since it acts on behalf of many users.
func resolveUserID(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return "default"
}

// idsQuery parses the comma-separated ids parameter. The distinction between
// absent (nil) and present-but-empty matters: nil means "use defaults".
func idsQuery(c *gin.Context) []string {
	raw, ok := c.GetQuery("ids")
	if !ok {
		return nil
	}
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func (h *Handlers) resolveMcpConfig(c *gin.Context) {
	cfg, err := h.svc.ResolveMcpConfig(c.Request.Context(), resolveUserID(c), idsQuery(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"mcp_servers": cfg})
}

func (h *Handlers) resolveSkills(c *gin.Context) {
	skills, err := h.svc.ResolveSkills(c.Request.Context(), resolveUserID(c), idsQuery(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"skills": skills})
}

func (h *Handlers) resolveSlashCommands(c *gin.Context) {
	commands, err := h.svc.ResolveSlashCommands(c.Request.Context(), resolveUserID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"slash_commands": commands})
}

func (h *Handlers) resolveSubAgents(c *gin.Context) {
	agents, err := h.svc.ResolveSubAgents(c.Request.Context(), resolveUserID(c), idsQuery(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"sub_agents": agents})
}

func (h *Handlers) resolveEnv(c *gin.Context) {
	env, err := h.svc.ResolveEnv(c.Request.Context(), resolveUserID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"env": env})
}

func (h *Handlers) resolveClaudeMd(c *gin.Context) {
	content, err := h.svc.ResolveClaudeMd(c.Request.Context(), resolveUserID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"content": content})
}
