package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// CreateScheduledTask registers a scheduled or nightly prompt.
func (s *Service) CreateScheduledTask(ctx context.Context, task *models.ScheduledTask) (*models.ScheduledTask, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	mode, scheduledAt, err := resolveSchedule(task.ScheduleMode, task.ScheduledAt, s.queue.ScheduledGraceSecs)
	if err != nil {
		return nil, err
	}
	if mode == v1.ScheduleImmediate {
		return nil, apperr.Validation("scheduled tasks must be scheduled or nightly")
	}
	task.ScheduleMode = mode
	task.ScheduledAt = scheduledAt

	if task.SessionID != nil {
		if _, err := s.GetSession(ctx, *task.SessionID, task.UserID); err != nil {
			return nil, err
		}
	}
	if err := s.repo.CreateScheduledTask(ctx, task); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to create scheduled task", err)
	}

	if _, err := s.enqueueScheduledTask(ctx, task); err != nil {
		s.logger.Warn("failed to enqueue initial run for scheduled task",
			zap.String("scheduled_task_id", task.ID), zap.Error(err))
	}
	return task, nil
}

// GetScheduledTask returns a scheduled task owned by the user.
func (s *Service) GetScheduledTask(ctx context.Context, id, userID string) (*models.ScheduledTask, error) {
	task, err := s.repo.GetScheduledTask(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("scheduled task %s not found", id)
		}
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to load scheduled task", err)
	}
	if task.UserID != userID {
		return nil, apperr.NotFound("scheduled task %s not found", id)
	}
	return task, nil
}

// ListScheduledTasks returns a user's scheduled tasks.
func (s *Service) ListScheduledTasks(ctx context.Context, userID string) ([]*models.ScheduledTask, error) {
	tasks, err := s.repo.ListScheduledTasksByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to list scheduled tasks", err)
	}
	return tasks, nil
}

// UpdateScheduledTask modifies a user's scheduled task. A re-enabled task
// gets a fresh run if none is live.
func (s *Service) UpdateScheduledTask(ctx context.Context, task *models.ScheduledTask, userID string) (*models.ScheduledTask, error) {
	existing, err := s.GetScheduledTask(ctx, task.ID, userID)
	if err != nil {
		return nil, err
	}
	mode, scheduledAt, err := resolveSchedule(task.ScheduleMode, task.ScheduledAt, s.queue.ScheduledGraceSecs)
	if err != nil {
		return nil, err
	}
	if mode == v1.ScheduleImmediate {
		return nil, apperr.Validation("scheduled tasks must be scheduled or nightly")
	}
	task.ScheduleMode = mode
	task.ScheduledAt = scheduledAt
	task.UserID = existing.UserID

	if err := s.repo.UpdateScheduledTask(ctx, task); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to update scheduled task", err)
	}

	if task.Enabled && !existing.Enabled {
		if _, err := s.enqueueScheduledTask(ctx, task); err != nil {
			s.logger.Warn("failed to enqueue run for re-enabled task",
				zap.String("scheduled_task_id", task.ID), zap.Error(err))
		}
	}
	return task, nil
}

// DeleteScheduledTask removes a user's scheduled task. Queued runs it
// produced stay in the queue.
func (s *Service) DeleteScheduledTask(ctx context.Context, id, userID string) error {
	if _, err := s.GetScheduledTask(ctx, id, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteScheduledTask(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to delete scheduled task", err)
	}
	return nil
}

// enqueueScheduledTask creates the task's next run through the normal
// enqueue path.
func (s *Service) enqueueScheduledTask(ctx context.Context, task *models.ScheduledTask) (*EnqueueResult, error) {
	if !task.Enabled {
		return nil, nil
	}
	req := &EnqueueTaskRequest{
		UserID:          task.UserID,
		Prompt:          task.Prompt,
		ScheduleMode:    task.ScheduleMode,
		ScheduledAt:     task.ScheduledAt,
		ScheduledTaskID: task.ID,
	}
	if task.SessionID != nil {
		req.SessionID = *task.SessionID
	}
	result, err := s.EnqueueTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if task.SessionID == nil {
		task.SessionID = &result.Session.ID
		if err := s.repo.UpdateScheduledTask(ctx, task); err != nil {
			s.logger.Warn("failed to bind session to scheduled task",
				zap.String("scheduled_task_id", task.ID), zap.Error(err))
		}
	}
	return result, nil
}

// RequeueNightlyTasks enqueues a fresh nightly run for every enabled nightly
// task with no live run. The control plane runs this once per day shortly
// before the nightly window opens.
func (s *Service) RequeueNightlyTasks(ctx context.Context) int {
	tasks, err := s.repo.ListEnabledScheduledTasks(ctx, v1.ScheduleNightly)
	if err != nil {
		s.logger.Error("failed to list nightly tasks", zap.Error(err))
		return 0
	}

	count := 0
	for _, task := range tasks {
		if task.SessionID != nil {
			live, err := s.repo.ListLiveRunsBySession(ctx, *task.SessionID)
			if err == nil && len(live) > 0 {
				continue
			}
		}
		if _, err := s.enqueueScheduledTask(ctx, task); err != nil {
			s.logger.Warn("failed to requeue nightly task",
				zap.String("scheduled_task_id", task.ID), zap.Error(err))
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info("nightly tasks requeued", zap.Int("count", count))
	}
	return count
}

// StartNightlyRequeuer runs RequeueNightlyTasks on a ticker until the
// context is canceled, firing only in the hour before the window opens.
func (s *Service) StartNightlyRequeuer(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				utc := now.UTC()
				opensAt := time.Date(utc.Year(), utc.Month(), utc.Day(),
					s.queue.NightlyStartHour, 0, 0, 0, time.UTC)
				if opensAt.Before(utc) {
					opensAt = opensAt.AddDate(0, 0, 1)
				}
				if opensAt.Sub(utc) <= time.Hour {
					s.RequeueNightlyTasks(ctx)
				}
			}
		}
	}()
}
