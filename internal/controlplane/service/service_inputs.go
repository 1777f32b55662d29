package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/events"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// CreateUserInput records a blocking question raised by the executor. The
// session id may be the control-plane UUID or the SDK session id, matching
// the callback intake. The run, when given, must belong to the session.
func (s *Service) CreateUserInput(ctx context.Context, req *v1.UserInputRequestCreate) (*models.UserInputRequest, error) {
	if req.SessionID == "" {
		return nil, apperr.Validation("session_id is required")
	}
	if req.Kind == "" {
		return nil, apperr.Validation("kind is required")
	}

	session, err := s.lookupCallbackSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == v1.SessionCanceled {
		return nil, apperr.Conflict("session %s is canceled", session.ID)
	}

	input := &models.UserInputRequest{
		SessionID: session.ID,
		Kind:      req.Kind,
		Payload:   req.Payload,
	}
	if req.RunID != "" {
		run, err := s.lookupCallbackRun(ctx, session, req.RunID)
		if err != nil {
			return nil, err
		}
		input.RunID = &run.ID
	}
	if req.TimeoutSeconds > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		input.ExpiresAt = &expires
	}

	if err := s.repo.CreateUserInputRequest(ctx, input); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to create input request", err)
	}

	s.publishSessionEvent(ctx, session.ID, events.UserInputRequested, map[string]interface{}{
		"request_id": input.ID,
		"kind":       input.Kind,
	})
	s.logger.Info("user input requested",
		zap.String("session_id", session.ID),
		zap.String("request_id", input.ID),
		zap.String("kind", input.Kind))
	return input, nil
}

// GetUserInput returns one input request. Executors poll this until the
// status leaves pending.
func (s *Service) GetUserInput(ctx context.Context, requestID string) (*models.UserInputRequest, error) {
	req, err := s.repo.GetUserInputRequest(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("input request %s not found", requestID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load input request", err)
	}
	return req, nil
}
