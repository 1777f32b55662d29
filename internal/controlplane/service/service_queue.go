package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/events"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// maxAttemptsError is the terminal error recorded on runs whose lease was
// stolen too many times.
const maxAttemptsError = "max attempts exceeded"

// NightlyWindowContains reports whether now falls inside the UTC nightly
// dispatch window starting at startHour and lasting windowMin minutes.
func NightlyWindowContains(now time.Time, startHour, windowMin int) bool {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), startHour, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return now.Sub(start) < time.Duration(windowMin)*time.Minute
}

// ClaimRuns hands claimable runs to a dispatcher worker under a lease.
// Runs that exceeded the attempt budget are failed instead of dispatched.
func (s *Service) ClaimRuns(ctx context.Context, req *v1.ClaimRequest) (*v1.ClaimResponse, error) {
	if req.WorkerID == "" {
		return nil, apperr.Validation("worker_id is required")
	}
	modes := make([]v1.ScheduleMode, 0, len(req.Modes))
	for _, raw := range req.Modes {
		mode := v1.ScheduleMode(raw)
		if !mode.Valid() {
			return nil, apperr.Validation("unknown schedule mode: %s", raw)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		modes = []v1.ScheduleMode{v1.ScheduleImmediate}
	}

	lease := s.queue.Lease()
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}
	now := time.Now().UTC()

	claimed, err := s.repo.ClaimRuns(ctx, sqlite.ClaimQuery{
		WorkerID:  req.WorkerID,
		Modes:     modes,
		Limit:     req.Limit,
		Lease:     lease,
		NightlyOK: NightlyWindowContains(now, s.queue.NightlyStartHour, s.queue.NightlyWindowMin),
		Now:       now,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabase, "failed to claim runs", err)
	}

	resp := &v1.ClaimResponse{Runs: make([]v1.ClaimedRun, 0, len(claimed))}
	for _, run := range claimed {
		if run.Attempts > s.queue.MaxAttempts {
			s.failExhaustedRun(ctx, run)
			continue
		}

		session, err := s.repo.GetSession(ctx, run.SessionID)
		if err != nil {
			s.logger.Error("claimed run has no session",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		prompt, err := s.repo.LatestUserPrompt(ctx, run.SessionID)
		if err != nil && !isNotFound(err) {
			s.logger.Error("failed to load run prompt",
				zap.String("run_id", run.ID), zap.Error(err))
		}

		handoff := v1.ClaimedRun{
			RunID:          run.ID,
			SessionID:      run.SessionID,
			UserID:         session.UserID,
			ScheduleMode:   run.ScheduleMode,
			Attempts:       run.Attempts,
			LeaseExpiresAt: *run.LeaseExpiresAt,
			Prompt:         prompt,
			PermissionMode: run.PermissionMode,
			ConfigSnapshot: run.ConfigSnapshot,
		}
		if session.SdkSessionID != nil {
			handoff.SdkSessionID = *session.SdkSessionID
		}
		resp.Runs = append(resp.Runs, handoff)

		s.publishSessionEvent(ctx, run.SessionID, events.RunClaimed, map[string]interface{}{
			"run_id":    run.ID,
			"worker_id": req.WorkerID,
			"attempts":  run.Attempts,
		})
	}
	return resp, nil
}

// failExhaustedRun marks a run failed after its attempt budget ran out and
// settles the session and scheduled-task bookkeeping.
func (s *Service) failExhaustedRun(ctx context.Context, run *models.Run) {
	s.logger.Warn("run exceeded max attempts",
		zap.String("run_id", run.ID), zap.Int("attempts", run.Attempts))

	if err := s.repo.FinishRun(ctx, run.ID, v1.RunFailed, maxAttemptsError); err != nil {
		s.logger.Error("failed to fail exhausted run",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	run.Status = v1.RunFailed
	s.settleSessionAfterRun(ctx, run.SessionID, v1.SessionFailed)
	s.syncScheduledTask(ctx, run, strPtr(maxAttemptsError))

	s.publishSessionEvent(ctx, run.SessionID, events.RunFinished, map[string]interface{}{
		"run_id": run.ID,
		"status": string(v1.RunFailed),
		"error":  maxAttemptsError,
	})
}

// StartRun moves a claimed run to running on behalf of its lease holder.
func (s *Service) StartRun(ctx context.Context, runID string, req *v1.StartRunRequest) (*models.Run, error) {
	if req.WorkerID == "" {
		return nil, apperr.Validation("worker_id is required")
	}
	run, err := s.repo.StartRun(ctx, runID, req.WorkerID)
	if err != nil {
		return nil, s.leaseError(runID, req.WorkerID, err)
	}

	if err := s.repo.SetSessionStatus(ctx, run.SessionID, string(v1.SessionRunning)); err != nil {
		s.logger.Warn("failed to mark session running",
			zap.String("session_id", run.SessionID), zap.Error(err))
	}

	s.publishSessionEvent(ctx, run.SessionID, events.RunStarted, map[string]interface{}{
		"run_id":    run.ID,
		"worker_id": req.WorkerID,
	})
	return run, nil
}

// HeartbeatRun extends the worker's lease on a claimed or running run.
func (s *Service) HeartbeatRun(ctx context.Context, runID string, req *v1.HeartbeatRequest) error {
	if req.WorkerID == "" {
		return apperr.Validation("worker_id is required")
	}
	lease := s.queue.Lease()
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}
	if err := s.repo.HeartbeatRun(ctx, runID, req.WorkerID, lease); err != nil {
		return s.leaseError(runID, req.WorkerID, err)
	}
	return nil
}

// FailRun records a dispatcher-side failure for the worker's run.
func (s *Service) FailRun(ctx context.Context, runID string, req *v1.FailRunRequest) error {
	if req.WorkerID == "" {
		return apperr.Validation("worker_id is required")
	}
	errMsg := req.Error
	if errMsg == "" {
		errMsg = "dispatch failed"
	}

	if err := s.repo.FailRunForWorker(ctx, runID, req.WorkerID, errMsg); err != nil {
		return s.leaseError(runID, req.WorkerID, err)
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return apperr.Wrap(apperr.CodeDatabase, "failed to reload run", err)
	}
	s.settleSessionAfterRun(ctx, run.SessionID, v1.SessionFailed)
	s.syncScheduledTask(ctx, run, &errMsg)

	s.publishSessionEvent(ctx, run.SessionID, events.RunFinished, map[string]interface{}{
		"run_id": run.ID,
		"status": string(v1.RunFailed),
		"error":  errMsg,
	})
	return nil
}

// leaseError maps repository lease failures into API errors: a missing run is
// 404, a lost or canceled lease is 409.
func (s *Service) leaseError(runID, workerID string, err error) error {
	if errors.Is(err, sqlite.ErrWorkerMismatch) {
		s.logger.Info("lease conflict",
			zap.String("run_id", runID), zap.String("worker_id", workerID))
		return apperr.Conflict("run %s is not leased to worker %s", runID, workerID)
	}
	if isNotFound(err) {
		return apperr.NotFound("run %s not found", runID)
	}
	return apperr.Wrap(apperr.CodeDatabase, "lease operation failed", err)
}

// settleSessionAfterRun sets the session terminal status unless another live
// run still exists or the session was canceled.
func (s *Service) settleSessionAfterRun(ctx context.Context, sessionID string, status v1.SessionStatus) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("failed to load session for settlement",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if session.Status == v1.SessionCanceled {
		return
	}
	live, err := s.repo.ListLiveRunsBySession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("failed to list live runs",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if len(live) > 0 {
		return
	}
	if err := s.repo.SetSessionStatus(ctx, sessionID, string(status)); err != nil {
		s.logger.Warn("failed to settle session status",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// syncScheduledTask updates the owning scheduled task's last-run summary.
func (s *Service) syncScheduledTask(ctx context.Context, run *models.Run, lastError *string) {
	if run.ScheduledTaskID == nil {
		return
	}
	if err := s.repo.SyncScheduledTaskLastRun(ctx, *run.ScheduledTaskID, run, lastError); err != nil && !isNotFound(err) {
		s.logger.Warn("failed to sync scheduled task",
			zap.String("scheduled_task_id", *run.ScheduledTaskID), zap.Error(err))
	}
}

func strPtr(s string) *string { return &s }
