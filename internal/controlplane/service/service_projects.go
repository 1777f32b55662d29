package service

import (
	"context"
	"strings"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
)

// CreateProject adds a project for a user.
func (s *Service) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperr.Validation("project name is required")
	}
	if p.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if err := s.repo.CreateProject(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to create project", err)
	}
	return p, nil
}

// GetProject returns a project owned by the user.
func (s *Service) GetProject(ctx context.Context, id, userID string) (*models.Project, error) {
	p, err := s.repo.GetProject(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.CodeProjectNotFound, "project %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load project", err)
	}
	if p.UserID != userID {
		return nil, apperr.Newf(apperr.CodeProjectNotFound, "project %s not found", id)
	}
	return p, nil
}

// ListProjects returns a user's projects.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	projects, err := s.repo.ListProjectsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to list projects", err)
	}
	return projects, nil
}

// UpdateProject modifies a user's project.
func (s *Service) UpdateProject(ctx context.Context, p *models.Project, userID string) (*models.Project, error) {
	if _, err := s.GetProject(ctx, p.ID, userID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateProject(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update project", err)
	}
	return p, nil
}

// DeleteProject removes a user's project. Sessions keep their project_id;
// snapshot backfill simply stops resolving it.
func (s *Service) DeleteProject(ctx context.Context, id, userID string) error {
	if _, err := s.GetProject(ctx, id, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteProject(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete project", err)
	}
	return nil
}
