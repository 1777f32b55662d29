package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/events"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// EnqueueTaskRequest asks for a new run on a new or existing session.
type EnqueueTaskRequest struct {
	UserID          string
	Prompt          string
	SessionID       string
	ProjectID       string
	Config          map[string]interface{}
	ScheduleMode    v1.ScheduleMode
	ScheduledAt     *time.Time
	PermissionMode  v1.PermissionMode
	ScheduledTaskID string
}

// EnqueueResult carries the created run and its session.
type EnqueueResult struct {
	Run     *models.Run     `json:"run"`
	Session *models.Session `json:"session"`
}

// EnqueueTask resolves the session, freezes the config snapshot, persists the
// user prompt and enqueues a run.
func (s *Service) EnqueueTask(ctx context.Context, req *EnqueueTaskRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}

	mode, scheduledAt, err := resolveSchedule(req.ScheduleMode, req.ScheduledAt, s.queue.ScheduledGraceSecs)
	if err != nil {
		return nil, err
	}

	permissionMode := req.PermissionMode
	if permissionMode == "" {
		permissionMode = v1.PermissionDefault
	}
	if !permissionMode.Valid() {
		return nil, apperr.Validation("unknown permission_mode: %s", permissionMode)
	}

	session, created, err := s.resolveOrCreateSession(ctx, req)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.buildConfigSnapshot(ctx, session, req.Config)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	message := &models.AgentMessage{
		SessionID: session.ID,
		Role:      "user",
		Content: map[string]interface{}{
			"_type": "UserMessage",
			"content": []interface{}{
				map[string]interface{}{"_type": "TextBlock", "text": req.Prompt},
			},
		},
		TextPreview: preview(req.Prompt),
		CreatedAt:   now,
	}

	run := &models.Run{
		SessionID:      session.ID,
		Status:         v1.RunQueued,
		ScheduleMode:   mode,
		ScheduledAt:    scheduledAt,
		PermissionMode: permissionMode,
		ConfigSnapshot: snapshot,
	}
	if req.ScheduledTaskID != "" {
		run.ScheduledTaskID = &req.ScheduledTaskID
	}

	// Run, prompt message, state-patch reset and session status land in one
	// transaction: a half-enqueued task must never become claimable.
	sessionStatus := ""
	if session.Status != v1.SessionRunning {
		session.Status = v1.SessionPending
		sessionStatus = string(v1.SessionPending)
	}
	if err := s.repo.EnqueueRun(ctx, run, message, sessionStatus); err != nil {
		s.logger.Error("failed to enqueue run", zap.Error(err))
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to enqueue run", err)
	}
	session.StatePatch = nil

	if created {
		s.publishSessionEvent(ctx, session.ID, events.SessionCreated, map[string]interface{}{
			"user_id": session.UserID,
		})
	}
	s.publishSessionEvent(ctx, session.ID, events.MessageCreated, map[string]interface{}{
		"message_id": message.ID,
		"role":       message.Role,
	})
	s.publishSessionEvent(ctx, session.ID, events.RunEnqueued, map[string]interface{}{
		"run_id":        run.ID,
		"schedule_mode": string(run.ScheduleMode),
	})

	s.logger.Info("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("session_id", session.ID),
		zap.String("schedule_mode", string(run.ScheduleMode)))

	return &EnqueueResult{Run: run, Session: session}, nil
}

// resolveSchedule normalizes the schedule mode and timestamp. An immediate
// request carrying a timestamp becomes scheduled; nightly never carries one.
func resolveSchedule(mode v1.ScheduleMode, at *time.Time, graceSecs int) (v1.ScheduleMode, *time.Time, error) {
	if mode == "" {
		mode = v1.ScheduleImmediate
	}
	if !mode.Valid() {
		return "", nil, apperr.Validation("unknown schedule_mode: %s", mode)
	}

	if mode == v1.ScheduleImmediate && at != nil {
		mode = v1.ScheduleScheduled
	}

	switch mode {
	case v1.ScheduleScheduled:
		if at == nil {
			return "", nil, apperr.Validation("scheduled_at is required for scheduled runs")
		}
		utc := at.UTC()
		grace := time.Duration(graceSecs) * time.Second
		if utc.Before(time.Now().UTC().Add(-grace)) {
			return "", nil, apperr.Validation("scheduled_at is in the past")
		}
		return mode, &utc, nil
	case v1.ScheduleNightly:
		return mode, nil, nil
	default:
		return mode, nil, nil
	}
}

func (s *Service) resolveOrCreateSession(ctx context.Context, req *EnqueueTaskRequest) (*models.Session, bool, error) {
	projectID := req.ProjectID

	if req.SessionID != "" {
		session, err := s.repo.GetSession(ctx, req.SessionID)
		if err != nil {
			if isNotFound(err) {
				return nil, false, apperr.NotFound("session %s not found", req.SessionID)
			}
			return nil, false, apperr.Wrap(apperr.CodeDatabase, "failed to load session", err)
		}
		if session.IsDeleted {
			return nil, false, apperr.NotFound("session %s not found", req.SessionID)
		}
		if session.UserID != req.UserID {
			return nil, false, apperr.Forbidden("session %s does not belong to user", req.SessionID)
		}
		return session, false, nil
	}

	if projectID != "" {
		if err := s.checkProject(ctx, projectID, req.UserID); err != nil {
			return nil, false, err
		}
	}

	session := &models.Session{
		UserID: req.UserID,
		Kind:   "chat",
		Status: v1.SessionPending,
		Config: req.Config,
	}
	if projectID != "" {
		session.ProjectID = &projectID
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, false, apperr.Wrap(apperr.CodeDatabase, "failed to create session", err)
	}
	return session, true, nil
}

func (s *Service) checkProject(ctx context.Context, projectID, userID string) error {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return apperr.Newf(apperr.CodeProjectNotFound, "project %s not found", projectID)
		}
		return apperr.Wrap(apperr.CodeDatabase, "failed to load project", err)
	}
	if project.UserID != userID {
		return apperr.Newf(apperr.CodeProjectNotFound, "project %s not found", projectID)
	}
	return nil
}

// buildConfigSnapshot freezes the effective configuration for a run: session
// config merged with the request override, capability toggles applied over
// installs, project defaults backfilled, model defaulted.
func (s *Service) buildConfigSnapshot(ctx context.Context, session *models.Session, override map[string]interface{}) (map[string]interface{}, error) {
	base, baseToggles := ExtractToggles(session.Config)
	over, overToggles := ExtractToggles(override)
	merged := MergeConfig(base, over)
	toggles := mergeToggles(baseToggles, overToggles)

	var baseMcpIDs, baseSkillIDs, baseSubAgentIDs []string
	if raw, ok := merged["mcp_server_ids"]; ok {
		baseMcpIDs, _ = stringList(raw)
	}
	if raw, ok := merged["skill_ids"]; ok {
		baseSkillIDs, _ = stringList(raw)
	}
	if raw, ok := merged["sub_agent_ids"]; ok {
		baseSubAgentIDs, _ = stringList(raw)
	}

	mcpIDs, err := s.materializeMcpServerIDs(ctx, session.UserID, toggles["mcp_servers"], baseMcpIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to resolve mcp servers", err)
	}
	skillIDs, err := s.materializeSkillIDs(ctx, session.UserID, toggles["skills"], baseSkillIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to resolve skills", err)
	}
	subAgentIDs, err := s.materializeSubAgentIDs(ctx, session.UserID, baseSubAgentIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to resolve sub-agents", err)
	}

	merged["mcp_server_ids"] = mcpIDs
	merged["skill_ids"] = skillIDs
	merged["sub_agent_ids"] = subAgentIDs

	if session.ProjectID != nil {
		project, err := s.repo.GetProject(ctx, *session.ProjectID)
		if err == nil {
			backfill := func(key string, value *string) {
				if value == nil || *value == "" {
					return
				}
				if existing, ok := merged[key].(string); ok && existing != "" {
					return
				}
				merged[key] = *value
			}
			backfill("repo_url", project.RepoURL)
			backfill("git_branch", project.GitBranch)
			backfill("git_token_env_key", project.GitTokenEnvKey)
		} else if !isNotFound(err) {
			return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load project", err)
		}
	}

	if model, ok := merged["model"].(string); !ok || model == "" {
		merged["model"] = s.cp.DefaultModel
	}
	return merged, nil
}

// preview truncates prompt text to the stored text_preview length, backing
// up to a rune boundary so multibyte characters are never split.
func preview(text string) string {
	const maxPreview = 500
	if len(text) <= maxPreview {
		return text
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
