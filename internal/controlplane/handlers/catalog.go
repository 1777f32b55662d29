package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
)

func (h *Handlers) registerCatalogRoutes(api *gin.RouterGroup) {
	skills := api.Group("/skills")
	{
		skills.GET("", h.listSkills)
		skills.POST("", h.createSkill)
		skills.GET("/:id", h.getSkill)
		skills.PATCH("/:id", h.updateSkill)
		skills.DELETE("/:id", h.deleteSkill)
		skills.PUT("/:id/install", h.installCapability(sqlite.InstallSkill))
		skills.DELETE("/:id/install", h.uninstallCapability(sqlite.InstallSkill))
	}

	mcp := api.Group("/mcp-servers")
	{
		mcp.GET("", h.listMcpServers)
		mcp.POST("", h.createMcpServer)
		mcp.GET("/:id", h.getMcpServer)
		mcp.PATCH("/:id", h.updateMcpServer)
		mcp.DELETE("/:id", h.deleteMcpServer)
		mcp.PUT("/:id/install", h.installCapability(sqlite.InstallMcpServer))
		mcp.DELETE("/:id/install", h.uninstallCapability(sqlite.InstallMcpServer))
	}

	agents := api.Group("/sub-agents")
	{
		agents.GET("", h.listSubAgents)
		agents.POST("", h.createSubAgent)
		agents.GET("/:id", h.getSubAgent)
		agents.PATCH("/:id", h.updateSubAgent)
		agents.DELETE("/:id", h.deleteSubAgent)
		agents.PUT("/:id/install", h.installCapability(sqlite.InstallSubAgent))
		agents.DELETE("/:id/install", h.uninstallCapability(sqlite.InstallSubAgent))
	}

	commands := api.Group("/slash-commands")
	{
		commands.GET("", h.listSlashCommands)
		commands.POST("", h.createSlashCommand)
		commands.GET("/:id", h.getSlashCommand)
		commands.PATCH("/:id", h.updateSlashCommand)
		commands.DELETE("/:id", h.deleteSlashCommand)
	}

	env := api.Group("/env-vars")
	{
		env.GET("", h.listEnvVars)
		env.PUT("/:key", h.setEnvVar)
		env.DELETE("/:key", h.deleteEnvVar)
	}

	api.GET("/claude-md", h.getClaudeMd)
	api.PUT("/claude-md", h.setClaudeMd)
}

// scopeFrom resolves the record scope for create/update requests. Only the
// system operator header may write system-scoped records; authentication in
// front of the control plane enforces who can send it.
func (h *Handlers) scopeFrom(c *gin.Context) models.Scope {
	if c.GetHeader("X-System-Scope") == "true" {
		return models.ScopeSystem
	}
	return models.ScopeUser
}

// --- Skills ---

type skillRequest struct {
	Name        string            `json:"name"`
	Description *string           `json:"description,omitempty"`
	Files       map[string]string `json:"files"`
}

func (h *Handlers) createSkill(c *gin.Context) {
	var body skillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	skill, err := h.svc.CreateSkill(c.Request.Context(), &models.Skill{
		Scope:       h.scopeFrom(c),
		UserID:      h.userID(c),
		Name:        body.Name,
		Description: body.Description,
		Files:       body.Files,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, skill)
}

func (h *Handlers) listSkills(c *gin.Context) {
	skills, err := h.svc.ListSkills(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"skills": skills})
}

func (h *Handlers) getSkill(c *gin.Context) {
	skill, err := h.svc.GetSkill(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, skill)
}

func (h *Handlers) updateSkill(c *gin.Context) {
	var body skillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetSkill(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Description != nil {
		existing.Description = body.Description
	}
	if body.Files != nil {
		existing.Files = body.Files
	}
	skill, err := h.svc.UpdateSkill(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, skill)
}

func (h *Handlers) deleteSkill(c *gin.Context) {
	if err := h.svc.DeleteSkill(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- MCP servers ---

type mcpServerRequest struct {
	Name             string            `json:"name"`
	Transport        string            `json:"transport"`
	Command          *string           `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	URL              *string           `json:"url,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	EnabledByDefault *bool             `json:"enabled_by_default,omitempty"`
}

func (h *Handlers) createMcpServer(c *gin.Context) {
	var body mcpServerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	enabled := true
	if body.EnabledByDefault != nil {
		enabled = *body.EnabledByDefault
	}
	srv, err := h.svc.CreateMcpServer(c.Request.Context(), &models.McpServer{
		Scope:            h.scopeFrom(c),
		UserID:           h.userID(c),
		Name:             body.Name,
		Transport:        body.Transport,
		Command:          body.Command,
		Args:             body.Args,
		URL:              body.URL,
		Env:              body.Env,
		EnabledByDefault: enabled,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, srv)
}

func (h *Handlers) listMcpServers(c *gin.Context) {
	servers, err := h.svc.ListMcpServers(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"mcp_servers": servers})
}

func (h *Handlers) getMcpServer(c *gin.Context) {
	srv, err := h.svc.GetMcpServer(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, srv)
}

func (h *Handlers) updateMcpServer(c *gin.Context) {
	var body mcpServerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetMcpServer(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Transport != "" {
		existing.Transport = body.Transport
	}
	if body.Command != nil {
		existing.Command = body.Command
	}
	if body.Args != nil {
		existing.Args = body.Args
	}
	if body.URL != nil {
		existing.URL = body.URL
	}
	if body.Env != nil {
		existing.Env = body.Env
	}
	if body.EnabledByDefault != nil {
		existing.EnabledByDefault = *body.EnabledByDefault
	}
	srv, err := h.svc.UpdateMcpServer(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, srv)
}

func (h *Handlers) deleteMcpServer(c *gin.Context) {
	if err := h.svc.DeleteMcpServer(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- Sub-agents ---

type subAgentRequest struct {
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	Prompt           string  `json:"prompt"`
	Model            *string `json:"model,omitempty"`
	EnabledByDefault *bool   `json:"enabled_by_default,omitempty"`
}

func (h *Handlers) createSubAgent(c *gin.Context) {
	var body subAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	enabled := true
	if body.EnabledByDefault != nil {
		enabled = *body.EnabledByDefault
	}
	agent, err := h.svc.CreateSubAgent(c.Request.Context(), &models.SubAgent{
		Scope:            h.scopeFrom(c),
		UserID:           h.userID(c),
		Name:             body.Name,
		Description:      body.Description,
		Prompt:           body.Prompt,
		Model:            body.Model,
		EnabledByDefault: enabled,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, agent)
}

func (h *Handlers) listSubAgents(c *gin.Context) {
	agents, err := h.svc.ListSubAgents(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"sub_agents": agents})
}

func (h *Handlers) getSubAgent(c *gin.Context) {
	agent, err := h.svc.GetSubAgent(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, agent)
}

func (h *Handlers) updateSubAgent(c *gin.Context) {
	var body subAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetSubAgent(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Description != nil {
		existing.Description = body.Description
	}
	if body.Prompt != "" {
		existing.Prompt = body.Prompt
	}
	if body.Model != nil {
		existing.Model = body.Model
	}
	if body.EnabledByDefault != nil {
		existing.EnabledByDefault = *body.EnabledByDefault
	}
	agent, err := h.svc.UpdateSubAgent(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, agent)
}

func (h *Handlers) deleteSubAgent(c *gin.Context) {
	if err := h.svc.DeleteSubAgent(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- Slash commands ---

type slashCommandRequest struct {
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	Content          string  `json:"content"`
	EnabledByDefault *bool   `json:"enabled_by_default,omitempty"`
}

func (h *Handlers) createSlashCommand(c *gin.Context) {
	var body slashCommandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	enabled := true
	if body.EnabledByDefault != nil {
		enabled = *body.EnabledByDefault
	}
	cmd, err := h.svc.CreateSlashCommand(c.Request.Context(), &models.SlashCommand{
		Scope:            h.scopeFrom(c),
		UserID:           h.userID(c),
		Name:             body.Name,
		Description:      body.Description,
		Content:          body.Content,
		EnabledByDefault: enabled,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, cmd)
}

func (h *Handlers) listSlashCommands(c *gin.Context) {
	commands, err := h.svc.ListSlashCommands(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"slash_commands": commands})
}

func (h *Handlers) getSlashCommand(c *gin.Context) {
	cmd, err := h.svc.GetSlashCommand(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, cmd)
}

func (h *Handlers) updateSlashCommand(c *gin.Context) {
	var body slashCommandRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	userID := h.userID(c)
	existing, err := h.svc.GetSlashCommand(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Description != nil {
		existing.Description = body.Description
	}
	if body.Content != "" {
		existing.Content = body.Content
	}
	if body.EnabledByDefault != nil {
		existing.EnabledByDefault = *body.EnabledByDefault
	}
	cmd, err := h.svc.UpdateSlashCommand(c.Request.Context(), existing, userID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, cmd)
}

func (h *Handlers) deleteSlashCommand(c *gin.Context) {
	if err := h.svc.DeleteSlashCommand(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- Installs ---

type installRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (h *Handlers) installCapability(kind sqlite.InstallKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body installRequest
		_ = c.ShouldBindJSON(&body) // empty body means install enabled
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		if err := h.svc.SetInstall(c.Request.Context(), kind, h.userID(c), c.Param("id"), enabled); err != nil {
			h.respondErr(c, err)
			return
		}
		h.respond(c, gin.H{"installed": true, "enabled": enabled})
	}
}

func (h *Handlers) uninstallCapability(kind sqlite.InstallKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.RemoveInstall(c.Request.Context(), kind, h.userID(c), c.Param("id")); err != nil {
			h.respondErr(c, err)
			return
		}
		h.respond(c, gin.H{"installed": false})
	}
}

// --- Env vars ---

type envVarRequest struct {
	Value    string `json:"value"`
	IsSecret *bool  `json:"is_secret,omitempty"`
}

func (h *Handlers) setEnvVar(c *gin.Context) {
	var body envVarRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	isSecret := true
	if body.IsSecret != nil {
		isSecret = *body.IsSecret
	}
	scope := h.scopeFrom(c)
	v, err := h.svc.SetEnvVar(c.Request.Context(), scope, h.userID(c), c.Param("key"), body.Value, isSecret)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"key": v.Key, "scope": string(v.Scope), "is_set": v.IsSet(), "is_secret": v.IsSecret})
}

func (h *Handlers) listEnvVars(c *gin.Context) {
	vars, err := h.svc.ListEnvVars(c.Request.Context(), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"env_vars": vars})
}

func (h *Handlers) deleteEnvVar(c *gin.Context) {
	if err := h.svc.DeleteEnvVar(c.Request.Context(), h.scopeFrom(c), h.userID(c), c.Param("key")); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

// --- CLAUDE.md ---

type claudeMdRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) setClaudeMd(c *gin.Context) {
	var body claudeMdRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	if err := h.svc.SetClaudeMd(c.Request.Context(), h.scopeFrom(c), h.userID(c), body.Content); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"stored": true})
}

func (h *Handlers) getClaudeMd(c *gin.Context) {
	content, err := h.svc.GetClaudeMd(c.Request.Context(), h.scopeFrom(c), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"content": content})
}
