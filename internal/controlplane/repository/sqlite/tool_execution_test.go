package sqlite

import (
	"context"
	"testing"
	"time"
)

func TestToolResultBeforeUse(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")

	// The result block arrives first and creates a placeholder.
	msgID := "msg-1"
	exec, err := repo.ApplyToolResult(ctx, session.ID, nil, "toolu_1", "ok", false, &msgID)
	if err != nil {
		t.Fatalf("apply result failed: %v", err)
	}
	if exec.ToolName != "unknown" {
		t.Errorf("expected placeholder name unknown, got %s", exec.ToolName)
	}
	if exec.ResultMessageID == nil || *exec.ResultMessageID != "msg-1" {
		t.Errorf("expected result message id msg-1, got %v", exec.ResultMessageID)
	}
	if !exec.Finished() {
		t.Error("expected execution to be finished once output is recorded")
	}

	// The late use block fills in name and input without losing the output.
	exec, err = repo.UpsertToolUse(ctx, session.ID, nil, "toolu_1", "Bash",
		map[string]interface{}{"command": "ls"})
	if err != nil {
		t.Fatalf("upsert use failed: %v", err)
	}
	if exec.ToolName != "Bash" {
		t.Errorf("expected name Bash after late use block, got %s", exec.ToolName)
	}
	if exec.ToolInput["command"] != "ls" {
		t.Errorf("expected input to be filled in, got %v", exec.ToolInput)
	}
	if !exec.Finished() {
		t.Error("expected output to survive the late use block")
	}

	execs, err := repo.ListToolExecutionsBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("expected a single merged execution, got %d", len(execs))
	}
}

func TestToolUseThenResult(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")

	if _, err := repo.UpsertToolUse(ctx, session.ID, nil, "toolu_2", "Read",
		map[string]interface{}{"path": "main.go"}); err != nil {
		t.Fatalf("upsert use failed: %v", err)
	}

	unfinished, err := repo.ListUnfinishedToolExecutions(ctx, session.ID)
	if err != nil {
		t.Fatalf("list unfinished failed: %v", err)
	}
	if len(unfinished) != 1 {
		t.Fatalf("expected 1 unfinished execution, got %d", len(unfinished))
	}

	msgID := "msg-2"
	exec, err := repo.ApplyToolResult(ctx, session.ID, nil, "toolu_2", "file contents", true, &msgID)
	if err != nil {
		t.Fatalf("apply result failed: %v", err)
	}
	if !exec.IsError {
		t.Error("expected is_error to be recorded")
	}
	if exec.DurationMs == nil {
		t.Error("expected duration to be backfilled")
	}
	if exec.ResultMessageID == nil || *exec.ResultMessageID != "msg-2" {
		t.Errorf("expected result message id msg-2, got %v", exec.ResultMessageID)
	}

	unfinished, err = repo.ListUnfinishedToolExecutions(ctx, session.ID)
	if err != nil {
		t.Fatalf("list unfinished failed: %v", err)
	}
	if len(unfinished) != 0 {
		t.Errorf("expected no unfinished executions, got %d", len(unfinished))
	}
}

func TestFinishToolExecutionsCanceled(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := createTestSession(t, repo, "user-1")

	if _, err := repo.UpsertToolUse(ctx, session.ID, nil, "toolu_3", "Bash", nil); err != nil {
		t.Fatalf("upsert use failed: %v", err)
	}
	if _, err := repo.ApplyToolResult(ctx, session.ID, nil, "toolu_3", "done", false, nil); err != nil {
		t.Fatalf("apply result failed: %v", err)
	}
	if _, err := repo.UpsertToolUse(ctx, session.ID, nil, "toolu_4", "Write", nil); err != nil {
		t.Fatalf("upsert use failed: %v", err)
	}

	finished, err := repo.FinishToolExecutionsCanceled(ctx, session.ID, "Canceled: user request", time.Now().UTC())
	if err != nil {
		t.Fatalf("finish canceled failed: %v", err)
	}
	if finished != 1 {
		t.Errorf("expected 1 execution finished, got %d", finished)
	}

	exec, err := repo.GetToolExecution(ctx, session.ID, "toolu_4")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !exec.IsError || !exec.Finished() {
		t.Error("expected canceled execution to be errored and finished")
	}

	// The already-finished execution keeps its original result.
	exec, err = repo.GetToolExecution(ctx, session.ID, "toolu_3")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if exec.IsError {
		t.Error("finished execution must not be marked canceled")
	}
}
