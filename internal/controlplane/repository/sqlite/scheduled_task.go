package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

const scheduledTaskColumns = `id, user_id, session_id, prompt, schedule_mode,
	scheduled_at, enabled, last_run_id, last_run_status, last_run_at, last_error,
	created_at, updated_at`

// CreateScheduledTask inserts a scheduled task.
func (r *Repository) CreateScheduledTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.exec(ctx, `
		INSERT INTO scheduled_tasks (id, user_id, session_id, prompt, schedule_mode,
			scheduled_at, enabled, last_run_id, last_run_status, last_run_at, last_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?)
	`, task.ID, task.UserID, nullableString(task.SessionID), task.Prompt,
		string(task.ScheduleMode), task.ScheduledAt, dialect.BoolToInt(task.Enabled),
		task.CreatedAt, task.UpdatedAt)
	return err
}

func scanScheduledTask(scan func(dest ...interface{}) error) (*models.ScheduledTask, error) {
	task := &models.ScheduledTask{}
	var sessionID, lastRunID, lastRunStatus, lastError sql.NullString
	var scheduledAt, lastRunAt sql.NullTime
	var enabled int

	err := scan(&task.ID, &task.UserID, &sessionID, &task.Prompt, &task.ScheduleMode,
		&scheduledAt, &enabled, &lastRunID, &lastRunStatus, &lastRunAt, &lastError,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		task.SessionID = &sessionID.String
	}
	if lastRunID.Valid {
		task.LastRunID = &lastRunID.String
	}
	if lastRunStatus.Valid {
		task.LastRunStatus = &lastRunStatus.String
	}
	if lastError.Valid {
		task.LastError = &lastError.String
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time.UTC()
		task.ScheduledAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time.UTC()
		task.LastRunAt = &t
	}
	task.Enabled = enabled != 0
	return task, nil
}

// GetScheduledTask retrieves a scheduled task by ID.
func (r *Repository) GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := r.queryRow(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	return scanScheduledTask(row.Scan)
}

// ListScheduledTasksByUser returns a user's scheduled tasks, newest first.
func (r *Repository) ListScheduledTasksByUser(ctx context.Context, userID string) ([]*models.ScheduledTask, error) {
	rows, err := r.query(ctx, `
		SELECT `+scheduledTaskColumns+` FROM scheduled_tasks
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// ListEnabledScheduledTasks returns enabled tasks of one schedule mode.
func (r *Repository) ListEnabledScheduledTasks(ctx context.Context, mode v1.ScheduleMode) ([]*models.ScheduledTask, error) {
	rows, err := r.query(ctx, `
		SELECT `+scheduledTaskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND schedule_mode = ? ORDER BY created_at ASC
	`, string(mode))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// UpdateScheduledTask persists mutable scheduled task fields.
func (r *Repository) UpdateScheduledTask(ctx context.Context, task *models.ScheduledTask) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE scheduled_tasks
		SET session_id = ?, prompt = ?, schedule_mode = ?, scheduled_at = ?,
			enabled = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(task.SessionID), task.Prompt, string(task.ScheduleMode),
		task.ScheduledAt, dialect.BoolToInt(task.Enabled), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteScheduledTask removes a scheduled task.
func (r *Repository) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SyncScheduledTaskLastRun updates the last_run_* summary for a run outcome.
// Updates from older runs never overwrite a newer run's summary: the write
// applies only when the task has no recorded run, records this run already,
// or the recorded run is older than this one.
func (r *Repository) SyncScheduledTaskLastRun(ctx context.Context, taskID string, run *models.Run, lastError *string) error {
	task, err := r.GetScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.LastRunID != nil && *task.LastRunID != run.ID {
		recorded, err := r.GetRun(ctx, *task.LastRunID)
		if err == nil && recorded.CreatedAt.After(run.CreatedAt) {
			return nil
		}
	}

	now := time.Now().UTC()
	_, err = r.exec(ctx, `
		UPDATE scheduled_tasks
		SET last_run_id = ?, last_run_status = ?, last_run_at = ?, last_error = ?,
			updated_at = ?
		WHERE id = ?
	`, run.ID, string(run.Status), now, nullableString(lastError), now, taskID)
	return err
}
