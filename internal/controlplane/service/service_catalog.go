package service

import (
	"context"
	"regexp"
	"strings"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
)

// Capability catalog management: skills, MCP servers, sub-agents, slash
// commands, env vars and CLAUDE.md documents, each scoped system or user.

// capabilityName constrains catalog names so they are safe as workspace
// directory and file components.
var capabilityName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validCapabilityName(name string) bool {
	return name != "" && name != "." && name != ".." && capabilityName.MatchString(name)
}

// ownerFor maps a scope to the owning user id column value.
func ownerFor(scope models.Scope, userID string) string {
	if scope == models.ScopeSystem {
		return models.SystemUserID
	}
	return userID
}

// --- Skills ---

// CreateSkill adds a skill to the catalog.
func (s *Service) CreateSkill(ctx context.Context, skill *models.Skill) (*models.Skill, error) {
	if !validCapabilityName(skill.Name) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid skill name: %q", skill.Name)
	}
	if skill.Scope == "" {
		skill.Scope = models.ScopeUser
	}
	skill.UserID = ownerFor(skill.Scope, skill.UserID)
	for path := range skill.Files {
		if !safeRelPath(path) {
			return nil, apperr.Newf(apperr.CodeValidation, "invalid skill file path: %q", path)
		}
	}
	if err := s.repo.CreateSkill(ctx, skill); err != nil {
		return nil, apperr.Wrap(apperr.CodeSkillConflict, "skill already exists or could not be created", err)
	}
	return skill, nil
}

// GetSkill returns a skill visible to the user.
func (s *Service) GetSkill(ctx context.Context, id, userID string) (*models.Skill, error) {
	skill, err := s.repo.GetSkill(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.CodeSkillNotFound, "skill %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load skill", err)
	}
	if !systemOwned(skill.Scope) && skill.UserID != userID {
		return nil, apperr.Newf(apperr.CodeSkillForbidden, "skill %s is not accessible", id)
	}
	return skill, nil
}

// ListSkills returns the skills visible to a user, user records shadowing
// same-named system records.
func (s *Service) ListSkills(ctx context.Context, userID string) ([]*models.Skill, error) {
	return s.repo.ListVisibleSkills(ctx, userID)
}

// UpdateSkill modifies a user-owned skill.
func (s *Service) UpdateSkill(ctx context.Context, skill *models.Skill, userID string) (*models.Skill, error) {
	existing, err := s.GetSkill(ctx, skill.ID, userID)
	if err != nil {
		return nil, err
	}
	if systemOwned(existing.Scope) {
		return nil, apperr.Newf(apperr.CodeSkillForbidden, "system skills are read-only")
	}
	if !validCapabilityName(skill.Name) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid skill name: %q", skill.Name)
	}
	if err := s.repo.UpdateSkill(ctx, skill); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update skill", err)
	}
	return skill, nil
}

// DeleteSkill removes a user-owned skill.
func (s *Service) DeleteSkill(ctx context.Context, id, userID string) error {
	existing, err := s.GetSkill(ctx, id, userID)
	if err != nil {
		return err
	}
	if systemOwned(existing.Scope) {
		return apperr.Newf(apperr.CodeSkillForbidden, "system skills are read-only")
	}
	if err := s.repo.DeleteSkill(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete skill", err)
	}
	return nil
}

// --- MCP servers ---

// CreateMcpServer adds an MCP server definition.
func (s *Service) CreateMcpServer(ctx context.Context, srv *models.McpServer) (*models.McpServer, error) {
	if !validCapabilityName(srv.Name) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid mcp server name: %q", srv.Name)
	}
	if srv.Scope == "" {
		srv.Scope = models.ScopeUser
	}
	srv.UserID = ownerFor(srv.Scope, srv.UserID)

	switch srv.Transport {
	case "", "stdio":
		if srv.Command == nil || *srv.Command == "" {
			return nil, apperr.Validation("stdio mcp server requires a command")
		}
	case "sse", "http":
		if srv.URL == nil || *srv.URL == "" {
			return nil, apperr.Validation("%s mcp server requires a url", srv.Transport)
		}
	default:
		return nil, apperr.Validation("unknown mcp transport: %s", srv.Transport)
	}

	if err := s.repo.CreateMcpServer(ctx, srv); err != nil {
		return nil, apperr.Wrap(apperr.CodeMcpServerConflict, "mcp server already exists or could not be created", err)
	}
	return srv, nil
}

// GetMcpServer returns an MCP server visible to the user.
func (s *Service) GetMcpServer(ctx context.Context, id, userID string) (*models.McpServer, error) {
	srv, err := s.repo.GetMcpServer(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.CodeMcpServerNotFound, "mcp server %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load mcp server", err)
	}
	if !systemOwned(srv.Scope) && srv.UserID != userID {
		return nil, apperr.Newf(apperr.CodeMcpServerForbidden, "mcp server %s is not accessible", id)
	}
	return srv, nil
}

// ListMcpServers returns the MCP servers visible to a user.
func (s *Service) ListMcpServers(ctx context.Context, userID string) ([]*models.McpServer, error) {
	return s.repo.ListVisibleMcpServers(ctx, userID)
}

// UpdateMcpServer modifies a user-owned MCP server.
func (s *Service) UpdateMcpServer(ctx context.Context, srv *models.McpServer, userID string) (*models.McpServer, error) {
	existing, err := s.GetMcpServer(ctx, srv.ID, userID)
	if err != nil {
		return nil, err
	}
	if systemOwned(existing.Scope) {
		return nil, apperr.Newf(apperr.CodeMcpServerForbidden, "system mcp servers are read-only")
	}
	if err := s.repo.UpdateMcpServer(ctx, srv); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update mcp server", err)
	}
	return srv, nil
}

// DeleteMcpServer removes a user-owned MCP server.
func (s *Service) DeleteMcpServer(ctx context.Context, id, userID string) error {
	existing, err := s.GetMcpServer(ctx, id, userID)
	if err != nil {
		return err
	}
	if systemOwned(existing.Scope) {
		return apperr.Newf(apperr.CodeMcpServerForbidden, "system mcp servers are read-only")
	}
	if err := s.repo.DeleteMcpServer(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete mcp server", err)
	}
	return nil
}

// --- Sub-agents ---

// CreateSubAgent adds a sub-agent definition.
func (s *Service) CreateSubAgent(ctx context.Context, agent *models.SubAgent) (*models.SubAgent, error) {
	if !validCapabilityName(agent.Name) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid sub-agent name: %q", agent.Name)
	}
	if strings.TrimSpace(agent.Prompt) == "" {
		return nil, apperr.Validation("sub-agent prompt is required")
	}
	if agent.Scope == "" {
		agent.Scope = models.ScopeUser
	}
	agent.UserID = ownerFor(agent.Scope, agent.UserID)
	if err := s.repo.CreateSubAgent(ctx, agent); err != nil {
		return nil, apperr.Wrap(apperr.CodeSubAgentConflict, "sub-agent already exists or could not be created", err)
	}
	return agent, nil
}

// GetSubAgent returns a sub-agent visible to the user.
func (s *Service) GetSubAgent(ctx context.Context, id, userID string) (*models.SubAgent, error) {
	agent, err := s.repo.GetSubAgent(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.CodeSubAgentNotFound, "sub-agent %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load sub-agent", err)
	}
	if !systemOwned(agent.Scope) && agent.UserID != userID {
		return nil, apperr.Newf(apperr.CodeSubAgentForbidden, "sub-agent %s is not accessible", id)
	}
	return agent, nil
}

// ListSubAgents returns the sub-agents visible to a user.
func (s *Service) ListSubAgents(ctx context.Context, userID string) ([]*models.SubAgent, error) {
	return s.repo.ListVisibleSubAgents(ctx, userID)
}

// UpdateSubAgent modifies a user-owned sub-agent.
func (s *Service) UpdateSubAgent(ctx context.Context, agent *models.SubAgent, userID string) (*models.SubAgent, error) {
	existing, err := s.GetSubAgent(ctx, agent.ID, userID)
	if err != nil {
		return nil, err
	}
	if systemOwned(existing.Scope) {
		return nil, apperr.Newf(apperr.CodeSubAgentForbidden, "system sub-agents are read-only")
	}
	if err := s.repo.UpdateSubAgent(ctx, agent); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update sub-agent", err)
	}
	return agent, nil
}

// DeleteSubAgent removes a user-owned sub-agent.
func (s *Service) DeleteSubAgent(ctx context.Context, id, userID string) error {
	existing, err := s.GetSubAgent(ctx, id, userID)
	if err != nil {
		return err
	}
	if systemOwned(existing.Scope) {
		return apperr.Newf(apperr.CodeSubAgentForbidden, "system sub-agents are read-only")
	}
	if err := s.repo.DeleteSubAgent(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete sub-agent", err)
	}
	return nil
}

// --- Slash commands ---

// CreateSlashCommand adds a slash command definition.
func (s *Service) CreateSlashCommand(ctx context.Context, cmd *models.SlashCommand) (*models.SlashCommand, error) {
	if !validCapabilityName(cmd.Name) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid slash command name: %q", cmd.Name)
	}
	if cmd.Scope == "" {
		cmd.Scope = models.ScopeUser
	}
	cmd.UserID = ownerFor(cmd.Scope, cmd.UserID)
	if err := s.repo.CreateSlashCommand(ctx, cmd); err != nil {
		return nil, apperr.Wrap(apperr.CodeSlashCommandConflict, "slash command already exists or could not be created", err)
	}
	return cmd, nil
}

// GetSlashCommand returns a slash command visible to the user.
func (s *Service) GetSlashCommand(ctx context.Context, id, userID string) (*models.SlashCommand, error) {
	cmd, err := s.repo.GetSlashCommand(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.CodeSlashCommandNotFound, "slash command %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load slash command", err)
	}
	if !systemOwned(cmd.Scope) && cmd.UserID != userID {
		return nil, apperr.Newf(apperr.CodeSlashCommandForbidden, "slash command %s is not accessible", id)
	}
	return cmd, nil
}

// ListSlashCommands returns the slash commands visible to a user.
func (s *Service) ListSlashCommands(ctx context.Context, userID string) ([]*models.SlashCommand, error) {
	return s.repo.ListVisibleSlashCommands(ctx, userID)
}

// UpdateSlashCommand modifies a user-owned slash command.
func (s *Service) UpdateSlashCommand(ctx context.Context, cmd *models.SlashCommand, userID string) (*models.SlashCommand, error) {
	existing, err := s.GetSlashCommand(ctx, cmd.ID, userID)
	if err != nil {
		return nil, err
	}
	if systemOwned(existing.Scope) {
		return nil, apperr.Newf(apperr.CodeSlashCommandForbidden, "system slash commands are read-only")
	}
	if err := s.repo.UpdateSlashCommand(ctx, cmd); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update slash command", err)
	}
	return cmd, nil
}

// DeleteSlashCommand removes a user-owned slash command.
func (s *Service) DeleteSlashCommand(ctx context.Context, id, userID string) error {
	existing, err := s.GetSlashCommand(ctx, id, userID)
	if err != nil {
		return err
	}
	if systemOwned(existing.Scope) {
		return apperr.Newf(apperr.CodeSlashCommandForbidden, "system slash commands are read-only")
	}
	if err := s.repo.DeleteSlashCommand(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete slash command", err)
	}
	return nil
}

// --- Installs ---

// SetInstall installs a capability for a user or updates its enable flag.
// The capability must be visible to the user.
func (s *Service) SetInstall(ctx context.Context, kind sqlite.InstallKind, userID, capabilityID string, enabled bool) error {
	var err error
	switch kind {
	case sqlite.InstallSkill:
		_, err = s.GetSkill(ctx, capabilityID, userID)
	case sqlite.InstallMcpServer:
		_, err = s.GetMcpServer(ctx, capabilityID, userID)
	case sqlite.InstallSubAgent:
		_, err = s.GetSubAgent(ctx, capabilityID, userID)
	default:
		err = apperr.Validation("unknown install kind: %s", kind)
	}
	if err != nil {
		return err
	}
	if err := s.repo.UpsertInstall(ctx, kind, &models.Install{
		UserID:       userID,
		CapabilityID: capabilityID,
		Enabled:      enabled,
	}); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to store install", err)
	}
	return nil
}

// RemoveInstall uninstalls a capability for a user.
func (s *Service) RemoveInstall(ctx context.Context, kind sqlite.InstallKind, userID, capabilityID string) error {
	if err := s.repo.DeleteInstall(ctx, kind, userID, capabilityID); err != nil {
		if isNotFound(err) {
			return apperr.NotFound("install not found")
		}
		return apperr.Wrap(apperr.CodeDatabase, "failed to remove install", err)
	}
	return nil
}

// ListInstalls returns a user's installs of one capability kind.
func (s *Service) ListInstalls(ctx context.Context, kind sqlite.InstallKind, userID string) ([]*models.Install, error) {
	return s.repo.ListInstalls(ctx, kind, userID)
}

// --- Env vars ---

// envKeyPattern constrains env var keys to POSIX-style names.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SetEnvVar stores an env var, encrypting the value at rest.
func (s *Service) SetEnvVar(ctx context.Context, scope models.Scope, userID, key, value string, isSecret bool) (*models.UserEnvVar, error) {
	if !envKeyPattern.MatchString(key) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid env var key: %q", key)
	}
	stored := value
	if value != "" {
		var err error
		stored, err = s.cipher.EncryptString(value)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "failed to encrypt env var", err)
		}
	}
	v := &models.UserEnvVar{
		Scope:    scope,
		UserID:   ownerFor(scope, userID),
		Key:      key,
		Value:    stored,
		IsSecret: isSecret,
	}
	if err := s.repo.UpsertEnvVar(ctx, v); err != nil {
		return nil, apperr.Wrap(apperr.CodeEnvVarConflict, "failed to store env var", err)
	}
	v.Value = value
	return v, nil
}

// EnvVarView is the CRUD surface representation: values never leave the
// control plane, only whether they are set.
type EnvVarView struct {
	Key      string `json:"key"`
	Scope    string `json:"scope"`
	IsSet    bool   `json:"is_set"`
	IsSecret bool   `json:"is_secret"`
}

// ListEnvVars returns views of a user's env vars plus the system-declared set.
func (s *Service) ListEnvVars(ctx context.Context, userID string) ([]EnvVarView, error) {
	system, err := s.repo.ListEnvVars(ctx, models.ScopeSystem, models.SystemUserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to list env vars", err)
	}
	user, err := s.repo.ListEnvVars(ctx, models.ScopeUser, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to list env vars", err)
	}

	views := make([]EnvVarView, 0, len(system)+len(user))
	for _, v := range append(system, user...) {
		views = append(views, EnvVarView{
			Key:      v.Key,
			Scope:    string(v.Scope),
			IsSet:    v.IsSet(),
			IsSecret: v.IsSecret,
		})
	}
	return views, nil
}

// DeleteEnvVar removes a user's env var.
func (s *Service) DeleteEnvVar(ctx context.Context, scope models.Scope, userID, key string) error {
	if err := s.repo.DeleteEnvVar(ctx, scope, ownerFor(scope, userID), key); err != nil {
		if isNotFound(err) {
			return apperr.Newf(apperr.CodeEnvVarNotFound, "env var %s not found", key)
		}
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete env var", err)
	}
	return nil
}

// --- CLAUDE.md ---

// SetClaudeMd stores a scope's CLAUDE.md document.
func (s *Service) SetClaudeMd(ctx context.Context, scope models.Scope, userID, content string) error {
	if err := s.repo.SetClaudeMd(ctx, scope, ownerFor(scope, userID), content); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to store claude.md", err)
	}
	return nil
}

// GetClaudeMd returns one scope's CLAUDE.md document.
func (s *Service) GetClaudeMd(ctx context.Context, scope models.Scope, userID string) (string, error) {
	content, err := s.repo.GetClaudeMd(ctx, scope, ownerFor(scope, userID))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDatabase, "failed to load claude.md", err)
	}
	return content, nil
}

// safeRelPath accepts forward-slash relative paths whose every component is a
// valid capability name.
func safeRelPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") {
		return false
	}
	for _, part := range strings.Split(path, "/") {
		if !validCapabilityName(part) {
			return false
		}
	}
	return true
}
