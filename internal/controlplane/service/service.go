// Package service implements the control plane business logic: run queue and
// leases, callback state machine, cancellation, configuration resolution and
// the capability catalogs.
package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/controlplane/secrets"
	"github.com/opencowork/opencowork/internal/events"
	"github.com/opencowork/opencowork/internal/events/bus"
)

// Service provides control plane business logic.
type Service struct {
	repo       *sqlite.Repository
	eventBus   bus.EventBus
	logger     *logger.Logger
	cipher     *secrets.Cipher
	dispatcher DispatcherCanceler

	queue config.QueueConfig
	cp    config.ControlPlaneConfig
}

// NewService creates the control plane service.
func NewService(repo *sqlite.Repository, eventBus bus.EventBus, log *logger.Logger, cfg *config.Config) (*Service, error) {
	cipher, err := secrets.NewCipher(cfg.ControlPlane.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if !cipher.Enabled() {
		log.Warn("no encryption key configured, env var values stored in plaintext")
	}
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log,
		cipher:   cipher,
		queue:    cfg.Queue,
		cp:       cfg.ControlPlane,
	}, nil
}

// Repo exposes the repository for handler-level reads.
func (s *Service) Repo() *sqlite.Repository { return s.repo }

// publishSessionEvent publishes an event on the session's subject. Event
// delivery is best effort; persistence is the source of truth.
func (s *Service) publishSessionEvent(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	event := bus.NewEvent(eventType, "controlplane", data)
	if err := s.eventBus.Publish(ctx, events.SubjectSession(sessionID), event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// isNotFound reports whether err is the repository's missing-row error.
func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// systemOwned reports whether a catalog record belongs to the platform scope.
func systemOwned(scope models.Scope) bool {
	return scope == models.ScopeSystem
}
