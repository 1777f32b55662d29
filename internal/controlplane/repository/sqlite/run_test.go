package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

func createTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := New("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repo, func() { _ = repo.Close() }
}

func createTestSession(t *testing.T, repo *Repository, userID string) *models.Session {
	t.Helper()
	session := &models.Session{UserID: userID}
	if err := repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func createTestRun(t *testing.T, repo *Repository, sessionID string, mode v1.ScheduleMode) *models.Run {
	t.Helper()
	run := &models.Run{SessionID: sessionID, ScheduleMode: mode}
	if err := repo.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestClaimRunsBasic(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    10,
		Lease:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed run, got %d", len(claimed))
	}
	got := claimed[0]
	if got.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, got.ID)
	}
	if got.Status != v1.RunClaimed {
		t.Errorf("expected status claimed, got %s", got.Status)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "worker-a" {
		t.Errorf("expected claimed_by worker-a, got %v", got.ClaimedBy)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", got.Attempts)
	}
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.After(time.Now().UTC()) {
		t.Errorf("expected a future lease expiry, got %v", got.LeaseExpiresAt)
	}

	// A second claim while the lease is held finds nothing.
	again, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-b",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    10,
		Lease:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no runs while lease held, got %d", len(again))
	}
}

func TestClaimRunsLeaseSteal(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    20 * time.Millisecond,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("initial claim failed: %v (%d runs)", err, len(claimed))
	}

	time.Sleep(50 * time.Millisecond)

	stolen, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-b",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    time.Hour,
	})
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(stolen) != 1 || stolen[0].ID != run.ID {
		t.Fatalf("expected expired run to be reclaimed, got %d runs", len(stolen))
	}
	if stolen[0].Attempts != 2 {
		t.Errorf("expected attempts 2 after steal, got %d", stolen[0].Attempts)
	}

	// The original holder's start, heartbeat and fail are all rejected.
	if _, err := repo.StartRun(ctx, run.ID, "worker-a"); !errors.Is(err, ErrWorkerMismatch) {
		t.Errorf("expected ErrWorkerMismatch on stale start, got %v", err)
	}
	if err := repo.HeartbeatRun(ctx, run.ID, "worker-a", time.Hour); !errors.Is(err, ErrWorkerMismatch) {
		t.Errorf("expected ErrWorkerMismatch on stale heartbeat, got %v", err)
	}
	if err := repo.FailRunForWorker(ctx, run.ID, "worker-a", "boom"); !errors.Is(err, ErrWorkerMismatch) {
		t.Errorf("expected ErrWorkerMismatch on stale fail, got %v", err)
	}

	// The new holder proceeds normally.
	started, err := repo.StartRun(ctx, run.ID, "worker-b")
	if err != nil {
		t.Fatalf("new holder failed to start run: %v", err)
	}
	if started.Status != v1.RunRunning {
		t.Errorf("expected status running, got %s", started.Status)
	}
	if started.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestClaimRunsReclaimsRunningRun(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    20 * time.Millisecond,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("initial claim failed: %v (%d runs)", err, len(claimed))
	}
	// The worker gets as far as starting the run before dying.
	if _, err := repo.StartRun(ctx, run.ID, "worker-a"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	stolen, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-b",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    time.Hour,
	})
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(stolen) != 1 || stolen[0].ID != run.ID {
		t.Fatalf("expected expired running run to be reclaimed, got %d runs", len(stolen))
	}
	if stolen[0].Attempts != 2 {
		t.Errorf("expected attempts 2 after reclaim, got %d", stolen[0].Attempts)
	}
	if stolen[0].ClaimedBy == nil || *stolen[0].ClaimedBy != "worker-b" {
		t.Errorf("expected claimed_by worker-b, got %v", stolen[0].ClaimedBy)
	}
}

func TestEnqueueRunAtomic(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	session.StatePatch = map[string]interface{}{
		"file_changes": []interface{}{map[string]interface{}{"path": "main.go"}},
	}
	if err := repo.UpdateSession(ctx, session); err != nil {
		t.Fatalf("update session failed: %v", err)
	}

	first := &models.Run{SessionID: session.ID, ScheduleMode: v1.ScheduleImmediate, PermissionMode: v1.PermissionPlan}
	msg := &models.AgentMessage{SessionID: session.ID, Role: "user", Content: map[string]interface{}{"_type": "UserMessage"}}
	if err := repo.EnqueueRun(ctx, first, msg, string(v1.SessionPending)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := repo.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.PermissionMode != v1.PermissionPlan {
		t.Errorf("expected permission mode plan, got %s", got.PermissionMode)
	}

	// The state patch from the previous run is gone and the status landed.
	fresh, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if len(fresh.StatePatch) != 0 {
		t.Errorf("expected cleared state patch, got %v", fresh.StatePatch)
	}
	if fresh.Status != v1.SessionPending {
		t.Errorf("expected session pending, got %s", fresh.Status)
	}

	// A duplicate message id fails the message insert; the run insert from
	// the same call must roll back with it.
	second := &models.Run{SessionID: session.ID, ScheduleMode: v1.ScheduleImmediate}
	dup := &models.AgentMessage{ID: msg.ID, SessionID: session.ID, Role: "user", Content: map[string]interface{}{"_type": "UserMessage"}}
	if err := repo.EnqueueRun(ctx, second, dup, ""); err == nil {
		t.Fatal("expected duplicate message id to fail the enqueue")
	}
	if _, err := repo.GetRun(ctx, second.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected rolled-back run to be absent, got %v", err)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    20 * time.Millisecond,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v", err)
	}

	if err := repo.HeartbeatRun(ctx, claimed[0].ID, "worker-a", time.Hour); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stolen, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-b",
		Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
		Limit:    1,
		Lease:    time.Hour,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(stolen) != 0 {
		t.Errorf("expected heartbeat to keep the lease, but run was reclaimed")
	}
}

func TestClaimRunsScheduledDue(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")

	future := time.Now().UTC().Add(time.Hour)
	notDue := &models.Run{SessionID: session.ID, ScheduleMode: v1.ScheduleScheduled, ScheduledAt: &future}
	if err := repo.CreateRun(ctx, notDue); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	due := &models.Run{SessionID: session.ID, ScheduleMode: v1.ScheduleScheduled, ScheduledAt: &past}
	if err := repo.CreateRun(ctx, due); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID: "worker-a",
		Modes:    []v1.ScheduleMode{v1.ScheduleScheduled},
		Limit:    10,
		Lease:    30 * time.Second,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected only the due run, got %d runs", len(claimed))
	}
	if claimed[0].ID != due.ID {
		t.Errorf("expected run %s, got %s", due.ID, claimed[0].ID)
	}
}

func TestClaimRunsNightlyWindowGate(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleNightly)

	closed, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID:  "worker-a",
		Modes:     []v1.ScheduleMode{v1.ScheduleNightly},
		Limit:     1,
		Lease:     30 * time.Second,
		NightlyOK: false,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("expected no nightly runs outside the window, got %d", len(closed))
	}

	open, err := repo.ClaimRuns(ctx, ClaimQuery{
		WorkerID:  "worker-a",
		Modes:     []v1.ScheduleMode{v1.ScheduleNightly},
		Limit:     1,
		Lease:     30 * time.Second,
		NightlyOK: true,
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != run.ID {
		t.Fatalf("expected nightly run inside the window, got %d runs", len(open))
	}
}

func TestClaimRunsConcurrentExactlyOnce(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	const runCount = 8
	for i := 0; i < runCount; i++ {
		createTestRun(t, repo, session.ID, v1.ScheduleImmediate)
	}

	const workers = 4
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		workerID := string(rune('a' + w))
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimRuns(ctx, ClaimQuery{
					WorkerID: "worker-" + workerID,
					Modes:    []v1.ScheduleMode{v1.ScheduleImmediate},
					Limit:    2,
					Lease:    time.Hour,
				})
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, run := range claimed {
					seen[run.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != runCount {
		t.Fatalf("expected %d distinct runs claimed, got %d", runCount, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("run %s claimed %d times", id, count)
		}
	}
}

func TestStartRunUnknown(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	_, err := repo.StartRun(context.Background(), "missing", "worker-a")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for unknown run, got %v", err)
	}
}

func TestFinishRunTerminalIsSticky(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	if err := repo.FinishRun(ctx, run.ID, v1.RunCanceled, ""); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	// A later completion must not overwrite the canceled state.
	if err := repo.FinishRun(ctx, run.ID, v1.RunCompleted, ""); err != nil {
		t.Fatalf("second finish failed: %v", err)
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != v1.RunCanceled {
		t.Errorf("expected canceled to stick, got %s", got.Status)
	}
	if got.ClaimedBy != nil || got.LeaseExpiresAt != nil {
		t.Error("expected lease to be cleared on finish")
	}
}

func TestFinishRunRejectsNonTerminal(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	session := createTestSession(t, repo, "user-1")
	run := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)

	if err := repo.FinishRun(context.Background(), run.ID, v1.RunRunning, ""); err == nil {
		t.Error("expected error for non-terminal finish status")
	}
}

func TestCancelLiveRunsBySession(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")
	queued := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)
	done := createTestRun(t, repo, session.ID, v1.ScheduleImmediate)
	if err := repo.FinishRun(ctx, done.ID, v1.RunCompleted, ""); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	canceled, err := repo.CancelLiveRunsBySession(ctx, session.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(canceled) != 1 || canceled[0].ID != queued.ID {
		t.Fatalf("expected only the live run canceled, got %d", len(canceled))
	}

	gotDone, err := repo.GetRun(ctx, done.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if gotDone.Status != v1.RunCompleted {
		t.Errorf("completed run must not be canceled, got %s", gotDone.Status)
	}
}
