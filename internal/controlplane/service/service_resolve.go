package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
)

// Configuration resolution: the capability id lists materialized into run
// snapshots, and the dispatcher-facing resolve endpoints that turn those ids
// into executor payloads.

// materializeIDs computes the effective capability id list for one catalog.
// Precedence: an explicit toggle (by name) beats the per-user install flag,
// which beats the record's enabled_by_default. An explicit base id list wins
// outright when no toggles are present.
func materializeIDs[T any](
	records []T,
	id func(T) string,
	name func(T) string,
	defaultEnabled func(T) bool,
	installs map[string]bool,
	toggles map[string]bool,
	baseIDs []string,
) []string {
	if len(toggles) == 0 && baseIDs != nil {
		return baseIDs
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		enabled := defaultEnabled(rec)
		if v, ok := installs[id(rec)]; ok {
			enabled = v
		}
		if v, ok := toggles[name(rec)]; ok {
			enabled = v
		}
		if enabled {
			ids = append(ids, id(rec))
		}
	}
	return ids
}

// materializeMcpServerIDs resolves the effective MCP server ids for a user.
func (s *Service) materializeMcpServerIDs(ctx context.Context, userID string, toggles map[string]bool, baseIDs []string) ([]string, error) {
	servers, err := s.repo.ListVisibleMcpServers(ctx, userID)
	if err != nil {
		return nil, err
	}
	installs, err := s.repo.InstallMap(ctx, sqlite.InstallMcpServer, userID)
	if err != nil {
		return nil, err
	}
	return materializeIDs(servers,
		func(m *models.McpServer) string { return m.ID },
		func(m *models.McpServer) string { return m.Name },
		func(m *models.McpServer) bool { return m.EnabledByDefault },
		installs, toggles, baseIDs), nil
}

// materializeSkillIDs resolves the effective skill ids for a user. Skills
// are opt-in: without an install record a skill is off unless toggled.
func (s *Service) materializeSkillIDs(ctx context.Context, userID string, toggles map[string]bool, baseIDs []string) ([]string, error) {
	skills, err := s.repo.ListVisibleSkills(ctx, userID)
	if err != nil {
		return nil, err
	}
	installs, err := s.repo.InstallMap(ctx, sqlite.InstallSkill, userID)
	if err != nil {
		return nil, err
	}
	return materializeIDs(skills,
		func(sk *models.Skill) string { return sk.ID },
		func(sk *models.Skill) string { return sk.Name },
		func(*models.Skill) bool { return false },
		installs, toggles, baseIDs), nil
}

// materializeSubAgentIDs resolves the effective sub-agent ids for a user.
// Sub-agents default to enabled.
func (s *Service) materializeSubAgentIDs(ctx context.Context, userID string, baseIDs []string) ([]string, error) {
	agents, err := s.repo.ListVisibleSubAgents(ctx, userID)
	if err != nil {
		return nil, err
	}
	installs, err := s.repo.InstallMap(ctx, sqlite.InstallSubAgent, userID)
	if err != nil {
		return nil, err
	}
	return materializeIDs(agents,
		func(a *models.SubAgent) string { return a.ID },
		func(a *models.SubAgent) string { return a.Name },
		func(a *models.SubAgent) bool { return a.EnabledByDefault },
		installs, nil, baseIDs), nil
}

// McpServerEntry is one server in executor mcpServers format.
type McpServerEntry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ResolveMcpConfig builds the executor mcpServers document for the given
// server ids. Unknown ids are skipped with a warning.
func (s *Service) ResolveMcpConfig(ctx context.Context, userID string, ids []string) (map[string]McpServerEntry, error) {
	visible, err := s.repo.ListVisibleMcpServers(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.McpServer, len(visible))
	for _, srv := range visible {
		byID[srv.ID] = srv
	}

	result := make(map[string]McpServerEntry, len(ids))
	for _, id := range ids {
		srv, ok := byID[id]
		if !ok {
			s.logger.Warn("mcp server id not visible to user, skipped",
				zap.String("mcp_server_id", id), zap.String("user_id", userID))
			continue
		}
		entry := McpServerEntry{Env: srv.Env}
		switch srv.Transport {
		case "sse", "http":
			entry.Type = srv.Transport
			if srv.URL != nil {
				entry.URL = *srv.URL
			}
		default: // stdio
			if srv.Command != nil {
				entry.Command = *srv.Command
			}
			entry.Args = srv.Args
		}
		result[srv.Name] = entry
	}
	return result, nil
}

// ResolvedSkill is a skill payload staged by the dispatcher.
type ResolvedSkill struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Files       map[string]string `json:"files"`
}

// ResolveSkills returns staged-file payloads for the given skill ids.
func (s *Service) ResolveSkills(ctx context.Context, userID string, ids []string) ([]ResolvedSkill, error) {
	visible, err := s.repo.ListVisibleSkills(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Skill, len(visible))
	for _, sk := range visible {
		byID[sk.ID] = sk
	}

	result := make([]ResolvedSkill, 0, len(ids))
	for _, id := range ids {
		sk, ok := byID[id]
		if !ok {
			s.logger.Warn("skill id not visible to user, skipped",
				zap.String("skill_id", id), zap.String("user_id", userID))
			continue
		}
		resolved := ResolvedSkill{ID: sk.ID, Name: sk.Name, Files: sk.Files}
		if sk.Description != nil {
			resolved.Description = *sk.Description
		}
		result = append(result, resolved)
	}
	return result, nil
}

// ResolvedSlashCommand is a command staged into the workspace command dir.
type ResolvedSlashCommand struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ResolveSlashCommands returns the enabled slash commands visible to a user.
func (s *Service) ResolveSlashCommands(ctx context.Context, userID string) ([]ResolvedSlashCommand, error) {
	visible, err := s.repo.ListVisibleSlashCommands(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]ResolvedSlashCommand, 0, len(visible))
	for _, cmd := range visible {
		if !cmd.EnabledByDefault {
			continue
		}
		result = append(result, ResolvedSlashCommand{Name: cmd.Name, Content: cmd.Content})
	}
	return result, nil
}

// ResolvedSubAgent is a specialist prompt handed to the executor.
type ResolvedSubAgent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
}

// ResolveSubAgents returns prompts and models for the given sub-agent ids.
func (s *Service) ResolveSubAgents(ctx context.Context, userID string, ids []string) ([]ResolvedSubAgent, error) {
	visible, err := s.repo.ListVisibleSubAgents(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.SubAgent, len(visible))
	for _, agent := range visible {
		byID[agent.ID] = agent
	}

	result := make([]ResolvedSubAgent, 0, len(ids))
	for _, id := range ids {
		agent, ok := byID[id]
		if !ok {
			s.logger.Warn("sub-agent id not visible to user, skipped",
				zap.String("sub_agent_id", id), zap.String("user_id", userID))
			continue
		}
		resolved := ResolvedSubAgent{Name: agent.Name, Prompt: agent.Prompt}
		if agent.Description != nil {
			resolved.Description = *agent.Description
		}
		if agent.Model != nil {
			resolved.Model = *agent.Model
		}
		result = append(result, resolved)
	}
	return result, nil
}

// ResolveEnv builds the effective environment for a user: system variables
// overlaid by the user's own, decrypted, with unset (empty) values omitted.
func (s *Service) ResolveEnv(ctx context.Context, userID string) (map[string]string, error) {
	system, err := s.repo.ListEnvVars(ctx, models.ScopeSystem, models.SystemUserID)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.ListEnvVars(ctx, models.ScopeUser, userID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(system)+len(user))
	for _, v := range append(system, user...) {
		if !v.IsSet() {
			continue
		}
		plain, err := s.cipher.DecryptString(v.Value)
		if err != nil {
			s.logger.Error("failed to decrypt env var",
				zap.String("key", v.Key), zap.Error(err))
			continue
		}
		env[v.Key] = plain
	}
	return env, nil
}

// ResolveClaudeMd returns the merged CLAUDE.md text: the system document
// followed by the user's, separated by a blank line.
func (s *Service) ResolveClaudeMd(ctx context.Context, userID string) (string, error) {
	system, err := s.repo.GetClaudeMd(ctx, models.ScopeSystem, models.SystemUserID)
	if err != nil {
		return "", err
	}
	user, err := s.repo.GetClaudeMd(ctx, models.ScopeUser, userID)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, 2)
	if strings.TrimSpace(system) != "" {
		parts = append(parts, strings.TrimRight(system, "\n"))
	}
	if strings.TrimSpace(user) != "" {
		parts = append(parts, strings.TrimRight(user, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
