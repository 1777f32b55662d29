package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

func newTestService(t *testing.T) (*Service, *sqlite.Repository) {
	t.Helper()
	repo, err := sqlite.New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	cfg := &config.Config{
		Queue: config.QueueConfig{
			LeaseSeconds:       30,
			MaxAttempts:        3,
			NightlyStartHour:   2,
			NightlyWindowMin:   60,
			ScheduledGraceSecs: 600,
		},
	}
	svc, err := NewService(repo, nil, log, cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, repo
}

func newTestSession(t *testing.T, repo *sqlite.Repository, userID string) *models.Session {
	t.Helper()
	session := &models.Session{UserID: userID}
	if err := repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func newTestRun(t *testing.T, repo *sqlite.Repository, sessionID string, mode v1.ScheduleMode) *models.Run {
	t.Helper()
	run := &models.Run{SessionID: sessionID, ScheduleMode: mode}
	if err := repo.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestNightlyWindowContains(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		startHour int
		windowMin int
		want      bool
	}{
		{
			name:      "inside window",
			now:       time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC),
			startHour: 2, windowMin: 60,
			want: true,
		},
		{
			name:      "at window start",
			now:       time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC),
			startHour: 2, windowMin: 60,
			want: true,
		},
		{
			name:      "at window end",
			now:       time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC),
			startHour: 2, windowMin: 60,
			want: false,
		},
		{
			name:      "before window",
			now:       time.Date(2026, 8, 24, 1, 59, 0, 0, time.UTC),
			startHour: 2, windowMin: 60,
			want: false,
		},
		{
			name:      "window wrapping midnight, before midnight",
			now:       time.Date(2026, 8, 24, 23, 45, 0, 0, time.UTC),
			startHour: 23, windowMin: 120,
			want: true,
		},
		{
			name:      "window wrapping midnight, after midnight",
			now:       time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC),
			startHour: 23, windowMin: 120,
			want: true,
		},
		{
			name:      "window wrapping midnight, past the end",
			now:       time.Date(2026, 8, 24, 1, 30, 0, 0, time.UTC),
			startHour: 23, windowMin: 120,
			want: false,
		},
		{
			name:      "non-utc input is normalized",
			now:       time.Date(2026, 8, 24, 4, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			startHour: 2, windowMin: 60,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NightlyWindowContains(tt.now, tt.startHour, tt.windowMin); got != tt.want {
				t.Errorf("NightlyWindowContains(%v, %d, %d) = %v, want %v",
					tt.now, tt.startHour, tt.windowMin, got, tt.want)
			}
		})
	}
}

func TestClaimRunsValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error for missing worker_id, got %v", err)
	}
	if _, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: "worker-a",
		Modes:    []string{"hourly"},
	}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error for unknown mode, got %v", err)
	}
}

func TestClaimRunsHandsOffSessionContext(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	sdkID := "sdk-abc"
	session.SdkSessionID = &sdkID
	if err := repo.UpdateSession(ctx, session); err != nil {
		t.Fatalf("update session failed: %v", err)
	}
	if err := repo.CreateMessage(ctx, &models.AgentMessage{
		SessionID: session.ID,
		Role:      "user",
		Content:   map[string]interface{}{"text": "do the thing"},
	}); err != nil {
		t.Fatalf("create message failed: %v", err)
	}
	newTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	resp, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: "worker-a",
		Modes:    []string{string(v1.ScheduleImmediate)},
		Limit:    1,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("expected 1 claimed run, got %d", len(resp.Runs))
	}
	got := resp.Runs[0]
	if got.UserID != "user-1" {
		t.Errorf("expected user id on handoff, got %s", got.UserID)
	}
	if got.SdkSessionID != "sdk-abc" {
		t.Errorf("expected sdk session id on handoff, got %s", got.SdkSessionID)
	}
	if got.LeaseExpiresAt.IsZero() {
		t.Error("expected lease expiry on handoff")
	}
}

func TestClaimRunsExhaustsAttempts(t *testing.T) {
	svc, repo := newTestService(t)
	svc.queue.MaxAttempts = 1
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	run := newTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	// First claim at the repository level with a lease that expires at once.
	claimed, err := repo.ClaimRuns(ctx, sqlite.ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    10 * time.Millisecond,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("initial claim failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// The reclaim pushes attempts past the budget: the run fails instead of
	// being handed out.
	resp, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: "worker-b",
		Modes:    []string{string(v1.ScheduleImmediate)},
		Limit:    1,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(resp.Runs) != 0 {
		t.Fatalf("expected no runs handed out, got %d", len(resp.Runs))
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != v1.RunFailed {
		t.Errorf("expected exhausted run to be failed, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != "max attempts exceeded" {
		t.Errorf("expected max attempts error, got %v", got.Error)
	}

	gotSession, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if gotSession.Status != v1.SessionFailed {
		t.Errorf("expected session failed, got %s", gotSession.Status)
	}
}

func TestStartRunLeaseConflict(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	run := newTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	if _, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: "worker-a",
		Modes:    []string{string(v1.ScheduleImmediate)},
		Limit:    1,
	}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	_, err := svc.StartRun(ctx, run.ID, &v1.StartRunRequest{WorkerID: "worker-b"})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("expected conflict for wrong worker, got %v", err)
	}

	_, err = svc.StartRun(ctx, "missing", &v1.StartRunRequest{WorkerID: "worker-a"})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("expected not found for unknown run, got %v", err)
	}

	started, err := svc.StartRun(ctx, run.ID, &v1.StartRunRequest{WorkerID: "worker-a"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if started.Status != v1.RunRunning {
		t.Errorf("expected running, got %s", started.Status)
	}

	gotSession, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if gotSession.Status != v1.SessionRunning {
		t.Errorf("expected session running, got %s", gotSession.Status)
	}
}

func TestFailRunSettlesSession(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	run := newTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	if _, err := svc.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: "worker-a",
		Modes:    []string{string(v1.ScheduleImmediate)},
		Limit:    1,
	}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := svc.FailRun(ctx, run.ID, &v1.FailRunRequest{
		WorkerID: "worker-a",
		Error:    "executor unreachable",
	}); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != v1.RunFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != "executor unreachable" {
		t.Errorf("expected error message, got %v", got.Error)
	}

	gotSession, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if gotSession.Status != v1.SessionFailed {
		t.Errorf("expected session failed, got %s", gotSession.Status)
	}
}
