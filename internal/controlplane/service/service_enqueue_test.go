package service

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/opencowork/opencowork/internal/common/apperr"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

func TestEnqueueTaskPermissionMode(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.EnqueueTask(ctx, &EnqueueTaskRequest{
		UserID:         "user-1",
		Prompt:         "do the thing",
		PermissionMode: v1.PermissionMode("yolo"),
	})
	if !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error for unknown permission mode, got %v", err)
	}

	result, err := svc.EnqueueTask(ctx, &EnqueueTaskRequest{
		UserID:         "user-1",
		Prompt:         "plan it first",
		PermissionMode: v1.PermissionPlan,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Run.PermissionMode != v1.PermissionPlan {
		t.Errorf("expected permission mode plan, got %s", result.Run.PermissionMode)
	}

	got, err := repo.GetRun(ctx, result.Run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.PermissionMode != v1.PermissionPlan {
		t.Errorf("expected persisted permission mode plan, got %s", got.PermissionMode)
	}

	// The mode rides the claim handoff to the dispatcher.
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
	if resp.Runs[0].PermissionMode != v1.PermissionPlan {
		t.Errorf("expected handoff permission mode plan, got %s", resp.Runs[0].PermissionMode)
	}
}

func TestEnqueueTaskDefaultsPermissionMode(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.EnqueueTask(context.Background(), &EnqueueTaskRequest{
		UserID: "user-1",
		Prompt: "hello",
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Run.PermissionMode != v1.PermissionDefault {
		t.Errorf("expected default permission mode, got %s", result.Run.PermissionMode)
	}
}

func TestEnqueueTaskClearsStatePatch(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	session.StatePatch = map[string]interface{}{
		"file_changes": []interface{}{map[string]interface{}{"path": "old.go"}},
	}
	if err := repo.UpdateSession(ctx, session); err != nil {
		t.Fatalf("update session failed: %v", err)
	}

	if _, err := svc.EnqueueTask(ctx, &EnqueueTaskRequest{
		UserID:    "user-1",
		Prompt:    "continue",
		SessionID: session.ID,
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if len(got.StatePatch) != 0 {
		t.Errorf("expected state patch cleared on enqueue, got %v", got.StatePatch)
	}
}

func TestPreviewKeepsRuneBoundaries(t *testing.T) {
	short := "hello"
	if got := preview(short); got != short {
		t.Errorf("short text must pass through, got %q", got)
	}

	// Multibyte text long enough to force truncation mid-rune.
	long := strings.Repeat("日本語テキスト", 40)
	got := preview(long)
	if len(got) > 500 {
		t.Errorf("preview too long: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("preview split a rune: %q", got[len(got)-6:])
	}
	if !strings.HasPrefix(long, got) {
		t.Error("preview must be a prefix of the original text")
	}
}
