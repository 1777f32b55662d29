package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/events"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// DispatcherCanceler relays a session cancel to the dispatcher so running
// executor containers stop. Best effort: errors never fail the local cancel.
type DispatcherCanceler interface {
	CancelSession(ctx context.Context, sessionID string) error
}

// SetDispatcherCanceler wires the optional dispatcher cancel relay.
func (s *Service) SetDispatcherCanceler(c DispatcherCanceler) {
	s.dispatcher = c
}

// GetSession returns a session owned by the user.
func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("session %s not found", sessionID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load session", err)
	}
	if session.IsDeleted {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	if userID != "" && session.UserID != userID {
		return nil, apperr.Forbidden("session %s does not belong to user", sessionID)
	}
	return session, nil
}

// ListSessions returns sessions matching the filter.
func (s *Service) ListSessions(ctx context.Context, filter sqlite.SessionListFilter) ([]*models.Session, error) {
	sessions, err := s.repo.ListSessions(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to list sessions", err)
	}
	return sessions, nil
}

// UpdateSessionConfig replaces the session's base config document.
func (s *Service) UpdateSessionConfig(ctx context.Context, sessionID, userID string, cfg map[string]interface{}) (*models.Session, error) {
	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	session.Config = cfg
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update session", err)
	}
	s.publishSessionEvent(ctx, session.ID, events.SessionUpdated, nil)
	return session, nil
}

// DeleteSession cancels any live work and soft-deletes the session.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) error {
	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if session.Status == v1.SessionRunning || session.Status == v1.SessionPending {
		if _, err := s.CancelSession(ctx, sessionID, userID, "session deleted"); err != nil {
			s.logger.Warn("cancel before delete failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if err := s.repo.SoftDeleteSession(ctx, sessionID); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete session", err)
	}
	s.publishSessionEvent(ctx, sessionID, events.SessionDeleted, nil)
	return nil
}

// CancelResult reports what a session cancel touched.
type CancelResult struct {
	SessionID         string `json:"session_id"`
	RunsCanceled      int    `json:"runs_canceled"`
	InputsExpired     int    `json:"inputs_expired"`
	ToolsFinished     int    `json:"tools_finished"`
	ExecutorCancelled bool   `json:"executor_cancelled"`
}

// CancelSession cancels a session. The local state change always wins: runs,
// pending input requests and unfinished tool executions settle first, then
// the dispatcher is asked (best effort, 3s budget) to stop the executor.
func (s *Service) CancelSession(ctx context.Context, sessionID, userID, reason string) (*CancelResult, error) {
	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &CancelResult{SessionID: session.ID}

	canceledRuns, err := s.repo.CancelLiveRunsBySession(ctx, session.ID, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to cancel runs", err)
	}
	result.RunsCanceled = len(canceledRuns)

	expired, err := s.repo.ExpirePendingUserInputRequests(ctx, session.ID, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to expire input requests", err)
	}
	result.InputsExpired = expired

	cancelMsg := "Canceled"
	if reason != "" {
		cancelMsg += ": " + reason
	}
	finished, err := s.repo.FinishToolExecutionsCanceled(ctx, session.ID, cancelMsg, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to finish tool executions", err)
	}
	result.ToolsFinished = finished

	if err := s.repo.SetSessionStatus(ctx, session.ID, string(v1.SessionCanceled)); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to set session status", err)
	}

	for _, run := range canceledRuns {
		s.syncScheduledTask(ctx, run, errPtr(reason))
	}

	s.publishSessionEvent(ctx, session.ID, events.SessionCanceled, map[string]interface{}{
		"reason":        reason,
		"runs_canceled": result.RunsCanceled,
	})
	s.logger.Info("session canceled",
		zap.String("session_id", session.ID),
		zap.Int("runs_canceled", result.RunsCanceled),
		zap.Int("inputs_expired", result.InputsExpired),
		zap.Int("tools_finished", result.ToolsFinished))

	if s.dispatcher != nil {
		relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := s.dispatcher.CancelSession(relayCtx, session.ID); err != nil {
			s.logger.Warn("dispatcher cancel relay failed",
				zap.String("session_id", session.ID), zap.Error(err))
		} else {
			result.ExecutorCancelled = true
		}
	}
	return result, nil
}

// AnswerUserInput records the answer to a pending input request.
func (s *Service) AnswerUserInput(ctx context.Context, requestID string, answer map[string]interface{}) (*models.UserInputRequest, error) {
	req, err := s.repo.AnswerUserInputRequest(ctx, requestID, answer)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Conflict("input request %s is not pending", requestID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to answer input request", err)
	}
	s.publishSessionEvent(ctx, req.SessionID, events.UserInputAnswered, map[string]interface{}{
		"request_id": req.ID,
	})
	return req, nil
}
