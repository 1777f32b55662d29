package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/events"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// CallbackResult summarizes what a callback changed.
type CallbackResult struct {
	SessionID     string `json:"session_id"`
	RunID         string `json:"run_id,omitempty"`
	MessageStored bool   `json:"message_stored"`
	Dropped       bool   `json:"dropped"`           // status transition dropped by the cancel fence
	Ignored       bool   `json:"ignored,omitempty"` // session unknown, accepted without effects
}

// messageRoles maps SDK message type tags to stored roles.
var messageRoles = map[string]string{
	"UserMessage":      "user",
	"AssistantMessage": "assistant",
	"SystemMessage":    "system",
	"ResultMessage":    "result",
}

// HandleCallback ingests one executor callback: message and tool bookkeeping,
// usage accounting, run and session transitions, state patch and workspace
// export updates. Canceled sessions and runs accept bookkeeping but never a
// status transition (sticky cancel).
func (s *Service) HandleCallback(ctx context.Context, req *v1.CallbackRequest) (*CallbackResult, error) {
	if req.SessionID == "" {
		return nil, apperr.Validation("session_id is required")
	}

	session, err := s.lookupCallbackSession(ctx, req.SessionID)
	if err != nil {
		// The executor may emit before the session row is visible here.
		// Acknowledge without side effects instead of bouncing the callback.
		if apperr.IsCode(err, apperr.CodeNotFound) {
			s.logger.Info("callback for unknown session accepted",
				zap.String("session_id", req.SessionID))
			return &CallbackResult{SessionID: req.SessionID, Ignored: true}, nil
		}
		return nil, err
	}

	run, err := s.lookupCallbackRun(ctx, session, req.RunID)
	if err != nil {
		return nil, err
	}
	var runID *string
	if run != nil {
		runID = &run.ID
	}

	s.recordSdkSessionID(ctx, session, req.Message)

	canceled := session.Status == v1.SessionCanceled ||
		(run != nil && run.Status == v1.RunCanceled)

	result := &CallbackResult{SessionID: session.ID}
	if run != nil {
		result.RunID = run.ID
	}

	if req.Message != nil {
		if err := s.persistCallbackMessage(ctx, session, runID, req.Message); err != nil {
			return nil, err
		}
		result.MessageStored = true
	}

	if req.Usage != nil {
		s.recordUsage(ctx, session, run, req.Usage)
	}

	if canceled {
		if req.Status.Terminal() || req.Status == v1.CallbackRunning {
			s.logger.Info("callback status dropped for canceled session",
				zap.String("session_id", session.ID),
				zap.String("status", string(req.Status)))
			result.Dropped = true
		}
		return result, nil
	}

	if err := s.applyCallbackStatus(ctx, session, run, req); err != nil {
		return nil, err
	}
	s.applyStatePatch(ctx, session, req.State)
	s.applyWorkspaceExport(ctx, session, req)

	return result, nil
}

// lookupCallbackSession resolves the callback session id, which may be the
// control plane UUID or the SDK session id.
func (s *Service) lookupCallbackSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err == nil {
		return session, nil
	}
	if !isNotFound(err) {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load session", err)
	}
	session, err = s.repo.GetSessionBySdkID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("session %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load session", err)
	}
	return session, nil
}

// lookupCallbackRun resolves the run a callback applies to. Without an
// explicit run_id the latest claimed or running run is used; a session with
// no active run yields nil.
func (s *Service) lookupCallbackRun(ctx context.Context, session *models.Session, runID string) (*models.Run, error) {
	if runID != "" {
		run, err := s.repo.GetRun(ctx, runID)
		if err != nil {
			if isNotFound(err) {
				return nil, apperr.NotFound("run %s not found", runID)
			}
			return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load run", err)
		}
		if run.SessionID != session.ID {
			return nil, apperr.Validation("run %s does not belong to session %s", runID, session.ID)
		}
		return run, nil
	}
	run, err := s.repo.LatestActiveRun(ctx, session.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load active run", err)
	}
	return run, nil
}

// recordSdkSessionID extracts the SDK session id from a ResultMessage or an
// init SystemMessage and stores it once.
func (s *Service) recordSdkSessionID(ctx context.Context, session *models.Session, message map[string]interface{}) {
	if message == nil || (session.SdkSessionID != nil && *session.SdkSessionID != "") {
		return
	}

	var sdkID string
	switch message["_type"] {
	case "ResultMessage":
		sdkID, _ = message["session_id"].(string)
	case "SystemMessage":
		if subtype, _ := message["subtype"].(string); subtype == "init" {
			if data, ok := message["data"].(map[string]interface{}); ok {
				sdkID, _ = data["session_id"].(string)
			}
		}
	}
	if sdkID == "" {
		return
	}

	if err := s.repo.SetSdkSessionID(ctx, session.ID, sdkID); err != nil {
		s.logger.Warn("failed to store sdk session id",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	session.SdkSessionID = &sdkID
}

// persistCallbackMessage stores the SDK message and applies tool-use and
// tool-result blocks to the tool execution ledger.
func (s *Service) persistCallbackMessage(ctx context.Context, session *models.Session, runID *string, message map[string]interface{}) error {
	typeTag, _ := message["_type"].(string)
	role, known := messageRoles[typeTag]
	if !known {
		s.logger.Warn("unknown message type, storing as assistant",
			zap.String("type", typeTag), zap.String("session_id", session.ID))
		role = "assistant"
	}

	msg := &models.AgentMessage{
		SessionID:   session.ID,
		RunID:       runID,
		Role:        role,
		Content:     message,
		TextPreview: preview(sqlite.FirstTextBlock(message)),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to persist message", err)
	}

	s.applyToolBlocks(ctx, session, runID, msg.ID, message)

	s.publishSessionEvent(ctx, session.ID, events.MessageCreated, map[string]interface{}{
		"message_id": msg.ID,
		"role":       role,
	})
	return nil
}

// applyToolBlocks upserts tool executions from the message's content blocks.
// messageID is the stored message carrying the blocks; result rows keep it so
// an execution can be traced back to the message that finished it.
func (s *Service) applyToolBlocks(ctx context.Context, session *models.Session, runID *string, messageID string, message map[string]interface{}) {
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["_type"] {
		case "ToolUseBlock":
			useID, _ := block["id"].(string)
			name, _ := block["name"].(string)
			if useID == "" {
				continue
			}
			if name == "" {
				name = "unknown"
			}
			input, _ := block["input"].(map[string]interface{})
			exec, err := s.repo.UpsertToolUse(ctx, session.ID, runID, useID, name, input)
			if err != nil {
				s.logger.Error("failed to upsert tool use",
					zap.String("tool_use_id", useID), zap.Error(err))
				continue
			}
			s.publishToolEvent(ctx, session.ID, exec)
		case "ToolResultBlock":
			useID, _ := block["tool_use_id"].(string)
			if useID == "" {
				continue
			}
			isError, _ := block["is_error"].(bool)
			exec, err := s.repo.ApplyToolResult(ctx, session.ID, runID, useID, block["content"], isError, &messageID)
			if err != nil {
				s.logger.Error("failed to apply tool result",
					zap.String("tool_use_id", useID), zap.Error(err))
				continue
			}
			s.publishToolEvent(ctx, session.ID, exec)
		}
	}
}

func (s *Service) publishToolEvent(ctx context.Context, sessionID string, exec *models.ToolExecution) {
	s.publishSessionEvent(ctx, sessionID, events.ToolExecutionUpdated, map[string]interface{}{
		"tool_use_id": exec.ToolUseID,
		"tool_name":   exec.ToolName,
		"finished":    exec.Finished(),
	})
}

// recordUsage attaches a usage log to the callback's run (or the latest
// active one).
func (s *Service) recordUsage(ctx context.Context, session *models.Session, run *models.Run, usage *v1.Usage) {
	model := usage.Model
	if model == "" {
		model = "unknown"
	}
	log := &models.UsageLog{
		SessionID:           session.ID,
		Model:               model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		TotalCostUSD:        usage.TotalCostUSD,
		DurationMs:          usage.DurationMs,
		NumTurns:            usage.NumTurns,
	}
	if run != nil {
		log.RunID = &run.ID
	}
	if err := s.repo.CreateUsageLog(ctx, log); err != nil {
		s.logger.Error("failed to record usage",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

// applyCallbackStatus performs run and session transitions for the reported
// status.
func (s *Service) applyCallbackStatus(ctx context.Context, session *models.Session, run *models.Run, req *v1.CallbackRequest) error {
	if run != nil && req.Progress != nil {
		if err := s.repo.UpdateRunProgress(ctx, run.ID, *req.Progress); err != nil {
			s.logger.Warn("failed to update run progress",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	switch req.Status {
	case v1.CallbackRunning:
		if run != nil && run.Status == v1.RunClaimed {
			if err := s.repo.MarkRunRunning(ctx, run.ID); err != nil {
				return apperr.Wrap(apperr.CodeDatabase, "failed to mark run running", err)
			}
			run.Status = v1.RunRunning
			s.publishSessionEvent(ctx, session.ID, events.RunStatusChanged, map[string]interface{}{
				"run_id": run.ID,
				"status": string(v1.RunRunning),
			})
		}
		if session.Status != v1.SessionRunning {
			if err := s.repo.SetSessionStatus(ctx, session.ID, string(v1.SessionRunning)); err != nil {
				s.logger.Warn("failed to mark session running", zap.Error(err))
			}
		}
		return nil

	case v1.CallbackCompleted, v1.CallbackFailed, v1.CallbackCanceled:
		runStatus := map[v1.CallbackStatus]v1.RunStatus{
			v1.CallbackCompleted: v1.RunCompleted,
			v1.CallbackFailed:    v1.RunFailed,
			v1.CallbackCanceled:  v1.RunCanceled,
		}[req.Status]
		sessionStatus := map[v1.CallbackStatus]v1.SessionStatus{
			v1.CallbackCompleted: v1.SessionCompleted,
			v1.CallbackFailed:    v1.SessionFailed,
			v1.CallbackCanceled:  v1.SessionCanceled,
		}[req.Status]

		if run != nil {
			if err := s.repo.FinishRun(ctx, run.ID, runStatus, req.Error); err != nil {
				return apperr.Wrap(apperr.CodeDatabase, "failed to finish run", err)
			}
			run.Status = runStatus
			s.syncScheduledTask(ctx, run, errPtr(req.Error))
			s.publishSessionEvent(ctx, session.ID, events.RunFinished, map[string]interface{}{
				"run_id": run.ID,
				"status": string(runStatus),
			})
		}
		s.settleSessionAfterRun(ctx, session.ID, sessionStatus)
		s.publishSessionEvent(ctx, session.ID, events.SessionStatusChanged, map[string]interface{}{
			"status": string(sessionStatus),
		})
		return nil

	case "":
		return nil
	default:
		return apperr.Validation("unknown callback status: %s", req.Status)
	}
}

// applyStatePatch stores the callback's agent state on the session. Each
// snapshot is complete, so it replaces the previous document wholesale: a
// snapshot without todos clears previously reported todos.
func (s *Service) applyStatePatch(ctx context.Context, session *models.Session, state *v1.AgentState) {
	if state == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(raw, &patch); err != nil {
		return
	}

	session.StatePatch = patch
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		s.logger.Warn("failed to store state patch",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

// applyWorkspaceExport records export bookkeeping carried on a callback.
func (s *Service) applyWorkspaceExport(ctx context.Context, session *models.Session, req *v1.CallbackRequest) {
	if req.WorkspaceExportStatus == "" {
		return
	}
	session.WorkspaceExportStatus = strPtr(req.WorkspaceExportStatus)
	if req.WorkspaceFilesPrefix != "" {
		session.WorkspaceFilesPrefix = strPtr(req.WorkspaceFilesPrefix)
	}
	if req.WorkspaceManifestKey != "" {
		session.WorkspaceManifestKey = strPtr(req.WorkspaceManifestKey)
	}
	if req.WorkspaceArchiveKey != "" {
		session.WorkspaceArchiveKey = strPtr(req.WorkspaceArchiveKey)
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		s.logger.Warn("failed to store export status",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	eventType := events.WorkspaceExportStarted
	if req.WorkspaceExportStatus != string(v1.ExportPending) {
		eventType = events.WorkspaceExportFinished
	}
	s.publishSessionEvent(ctx, session.ID, eventType, map[string]interface{}{
		"export_status": req.WorkspaceExportStatus,
	})
}

func errPtr(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}
