package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// ErrWorkerMismatch is returned when a run is no longer leased to the
// calling worker (the lease expired and another worker reclaimed it, or the
// run was canceled).
var ErrWorkerMismatch = errors.New("run not leased to worker")

const runColumns = `id, session_id, scheduled_task_id, status, schedule_mode,
	scheduled_at, permission_mode, claimed_by, lease_expires_at, attempts,
	progress, error, config_snapshot, created_at, started_at, finished_at,
	updated_at`

// prepareRun fills defaults and returns the serialized config snapshot.
func prepareRun(run *models.Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.RunQueued
	}
	if run.PermissionMode == "" {
		run.PermissionMode = v1.PermissionDefault
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	return marshalJSON(run.ConfigSnapshot)
}

const insertRunQuery = `
	INSERT INTO agent_runs (id, session_id, scheduled_task_id, status, schedule_mode,
		scheduled_at, permission_mode, claimed_by, lease_expires_at, attempts,
		progress, error, config_snapshot, created_at, started_at, finished_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, NULL, ?, ?, NULL, NULL, ?)`

func insertRunArgs(run *models.Run, snapshotJSON string) []interface{} {
	return []interface{}{
		run.ID, run.SessionID, nullableString(run.ScheduledTaskID), string(run.Status),
		string(run.ScheduleMode), run.ScheduledAt, string(run.PermissionMode),
		run.Attempts, run.Progress, snapshotJSON, run.CreatedAt, run.UpdatedAt,
	}
}

// CreateRun inserts a queued run.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	snapshotJSON, err := prepareRun(run)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, insertRunQuery, insertRunArgs(run, snapshotJSON)...)
	return err
}

// EnqueueRun atomically inserts a queued run together with its prompt
// message, clears the session's state patch so stale file-change state
// never leaks into the new run, and applies the session status when one
// is given. All writes commit or roll back together.
func (r *Repository) EnqueueRun(ctx context.Context, run *models.Run, msg *models.AgentMessage, sessionStatus string) error {
	snapshotJSON, err := prepareRun(run)
	if err != nil {
		return err
	}
	msg.RunID = &run.ID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	contentJSON, err := marshalJSON(msg.Content)
	if err != nil {
		return err
	}

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertRunQuery), insertRunArgs(run, snapshotJSON)...); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agent_messages (id, session_id, run_id, role, content, text_preview, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), msg.ID, msg.SessionID, msg.RunID, msg.Role, contentJSON, msg.TextPreview, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert prompt message: %w", err)
		}

		now := time.Now().UTC()
		if sessionStatus != "" {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE agent_sessions SET state_patch = '{}', status = ?, updated_at = ? WHERE id = ?
			`), sessionStatus, now, run.SessionID)
		} else {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE agent_sessions SET state_patch = '{}', updated_at = ? WHERE id = ?
			`), now, run.SessionID)
		}
		if err != nil {
			return fmt.Errorf("failed to reset session for enqueue: %w", err)
		}
		return nil
	})
}

func scanRun(scan func(dest ...interface{}) error) (*models.Run, error) {
	run := &models.Run{}
	var scheduledTaskID, claimedBy, runErr sql.NullString
	var scheduledAt, leaseExpiresAt, startedAt, finishedAt sql.NullTime
	var snapshotJSON string

	err := scan(&run.ID, &run.SessionID, &scheduledTaskID, &run.Status, &run.ScheduleMode,
		&scheduledAt, &run.PermissionMode, &claimedBy, &leaseExpiresAt, &run.Attempts,
		&run.Progress, &runErr, &snapshotJSON, &run.CreatedAt, &startedAt, &finishedAt,
		&run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if scheduledTaskID.Valid {
		run.ScheduledTaskID = &scheduledTaskID.String
	}
	if claimedBy.Valid {
		run.ClaimedBy = &claimedBy.String
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time.UTC()
		run.ScheduledAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time.UTC()
		run.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}

	if run.ConfigSnapshot, err = unmarshalMap(snapshotJSON); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := r.queryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	return scanRun(row.Scan)
}

// ListRunsBySession returns a session's runs, newest first.
func (r *Repository) ListRunsBySession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	rows, err := r.query(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_id = ? ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// ListLiveRunsBySession returns queued/claimed/running runs, newest first.
func (r *Repository) ListLiveRunsBySession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	rows, err := r.query(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_id = ? AND status IN ('queued', 'claimed', 'running')
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// LatestActiveRun returns the most recent claimed or running run for a
// session, used to attach callback usage when run_id is absent.
func (r *Repository) LatestActiveRun(ctx context.Context, sessionID string) (*models.Run, error) {
	row := r.queryRow(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE session_id = ? AND status IN ('claimed', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, sessionID)
	return scanRun(row.Scan)
}

// ClaimQuery bounds one claim attempt.
type ClaimQuery struct {
	WorkerID  string
	Modes     []v1.ScheduleMode
	Limit     int
	Lease     time.Duration
	NightlyOK bool // whether now is inside the nightly window
	Now       time.Time
}

// ClaimRuns transactionally claims up to Limit runs for a worker. Queued
// runs that are due and claimed or running runs whose lease expired are
// all claimable; attempts increments on every claim so repeated lease
// theft eventually exhausts MaxAttempts (enforced by the caller via
// FailRun).
func (r *Repository) ClaimRuns(ctx context.Context, q ClaimQuery) ([]*models.Run, error) {
	if q.Limit <= 0 {
		q.Limit = 1
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	modes := make([]string, 0, len(q.Modes))
	for _, m := range q.Modes {
		if m == v1.ScheduleNightly && !q.NightlyOK {
			continue
		}
		modes = append(modes, string(m))
	}
	if len(modes) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(modes)), ", ")

	var claimed []*models.Run
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			SELECT ` + runColumns + ` FROM agent_runs
			WHERE schedule_mode IN (` + placeholders + `)
			  AND (
				(status = 'queued' AND (schedule_mode != 'scheduled' OR scheduled_at <= ?))
				OR (status IN ('claimed', 'running') AND lease_expires_at < ?)
			  )
			ORDER BY created_at ASC
			LIMIT ?` + dialect.RowLockSuffix(r.driver)

		args := make([]interface{}, 0, len(modes)+3)
		for _, m := range modes {
			args = append(args, m)
		}
		args = append(args, now, now, q.Limit)

		rows, err := tx.QueryContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("failed to select claimable runs: %w", err)
		}
		var candidates []*models.Run
		for rows.Next() {
			run, err := scanRun(rows.Scan)
			if err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, run)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		leaseExpiry := now.Add(q.Lease)
		for _, run := range candidates {
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE agent_runs
				SET status = 'claimed', claimed_by = ?, lease_expires_at = ?,
					attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND (
					(status = 'queued')
					OR (status IN ('claimed', 'running') AND lease_expires_at < ?)
				)
			`), q.WorkerID, leaseExpiry, now, run.ID, now)
			if err != nil {
				return fmt.Errorf("failed to claim run %s: %w", run.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Lost the race to another worker between select and update.
				continue
			}
			run.Status = v1.RunClaimed
			run.ClaimedBy = &q.WorkerID
			run.LeaseExpiresAt = &leaseExpiry
			run.Attempts++
			claimed = append(claimed, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StartRun transitions a claimed run to running for its lease holder.
// Canceled or reassigned runs return ErrWorkerMismatch.
func (r *Repository) StartRun(ctx context.Context, runID, workerID string) (*models.Run, error) {
	now := time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE agent_runs
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND claimed_by = ?
	`, now, now, runID, workerID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, ErrWorkerMismatch
	}
	return r.GetRun(ctx, runID)
}

// HeartbeatRun extends the lease for the current holder while the run is
// claimed or running.
func (r *Repository) HeartbeatRun(ctx context.Context, runID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE agent_runs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status IN ('claimed', 'running')
	`, now.Add(lease), now, runID, workerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrWorkerMismatch
	}
	return nil
}

// FinishRun applies a terminal status to a run, clearing the lease.
// Completed runs are forced to progress 100.
func (r *Repository) FinishRun(ctx context.Context, runID string, status v1.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	now := time.Now().UTC()

	progressExpr := "progress"
	if status == v1.RunCompleted {
		progressExpr = "100"
	}
	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}

	_, err := r.exec(ctx, `
		UPDATE agent_runs
		SET status = ?, finished_at = ?, claimed_by = NULL, lease_expires_at = NULL,
			error = ?, progress = `+progressExpr+`, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')
	`, string(status), now, errVal, now, runID)
	return err
}

// FailRunForWorker marks a run failed on behalf of its lease holder.
func (r *Repository) FailRunForWorker(ctx context.Context, runID, workerID, errMsg string) error {
	now := time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE agent_runs
		SET status = 'failed', finished_at = ?, claimed_by = NULL,
			lease_expires_at = NULL, error = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status IN ('claimed', 'running')
	`, now, errMsg, now, runID, workerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrWorkerMismatch
	}
	return nil
}

// MarkRunRunning moves a claimed run to running from the callback path,
// setting started_at when unset.
func (r *Repository) MarkRunRunning(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	_, err := r.exec(ctx, `
		UPDATE agent_runs
		SET status = 'running',
			started_at = COALESCE(started_at, ?),
			updated_at = ?
		WHERE id = ? AND status = 'claimed'
	`, now, now, runID)
	return err
}

// UpdateRunProgress stores a progress percentage reported by a callback.
func (r *Repository) UpdateRunProgress(ctx context.Context, runID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := r.exec(ctx, `
		UPDATE agent_runs SET progress = ?, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'running')
	`, progress, time.Now().UTC(), runID)
	return err
}

// CancelLiveRunsBySession cancels every queued/claimed/running run of a
// session and returns the canceled runs, newest first.
func (r *Repository) CancelLiveRunsBySession(ctx context.Context, sessionID string, now time.Time) ([]*models.Run, error) {
	runs, err := r.ListLiveRunsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		_, err := r.exec(ctx, `
			UPDATE agent_runs
			SET status = 'canceled', finished_at = ?, claimed_by = NULL,
				lease_expires_at = NULL, updated_at = ?
			WHERE id = ?
		`, now, now, run.ID)
		if err != nil {
			return nil, err
		}
		run.Status = v1.RunCanceled
		t := now
		run.FinishedAt = &t
		run.ClaimedBy = nil
		run.LeaseExpiresAt = nil
	}
	return runs, nil
}
