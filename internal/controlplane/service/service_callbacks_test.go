package service

import (
	"context"
	"testing"

	"github.com/opencowork/opencowork/internal/common/apperr"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

type fakeCanceler struct {
	calls []string
	err   error
}

func (f *fakeCanceler) CancelSession(_ context.Context, sessionID string) error {
	f.calls = append(f.calls, sessionID)
	return f.err
}

func TestHandleCallbackCompletesRun(t *testing.T) {
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

	result, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		RunID:     run.ID,
		Status:    v1.CallbackCompleted,
		Message: map[string]interface{}{
			"_type":      "ResultMessage",
			"session_id": "sdk-xyz",
		},
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if result.Dropped {
		t.Error("completion must not be dropped for a live session")
	}
	if !result.MessageStored {
		t.Error("expected message to be stored")
	}

	gotRun, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if gotRun.Status != v1.RunCompleted {
		t.Errorf("expected completed, got %s", gotRun.Status)
	}
	if gotRun.Progress != 100 {
		t.Errorf("expected progress 100, got %d", gotRun.Progress)
	}

	gotSession, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if gotSession.Status != v1.SessionCompleted {
		t.Errorf("expected session completed, got %s", gotSession.Status)
	}
	if gotSession.SdkSessionID == nil || *gotSession.SdkSessionID != "sdk-xyz" {
		t.Errorf("expected sdk session id recorded, got %v", gotSession.SdkSessionID)
	}
}

func TestCancelRacesCompletion(t *testing.T) {
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

	cancelResult, err := svc.CancelSession(ctx, session.ID, "user-1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelResult.RunsCanceled != 1 {
		t.Errorf("expected 1 run canceled, got %d", cancelResult.RunsCanceled)
	}

	// The executor's completion arrives after the cancel. Bookkeeping is
	// accepted, the status transition is dropped.
	result, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		RunID:     run.ID,
		Status:    v1.CallbackCompleted,
		Message: map[string]interface{}{
			"_type": "AssistantMessage",
			"content": []interface{}{
				map[string]interface{}{"_type": "TextBlock", "text": "done"},
			},
		},
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if !result.Dropped {
		t.Error("expected status transition to be dropped after cancel")
	}
	if !result.MessageStored {
		t.Error("expected message bookkeeping to be accepted after cancel")
	}

	gotRun, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if gotRun.Status != v1.RunCanceled {
		t.Errorf("canceled run must stay canceled, got %s", gotRun.Status)
	}

	gotSession, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if gotSession.Status != v1.SessionCanceled {
		t.Errorf("canceled session must stay canceled, got %s", gotSession.Status)
	}

	msgs, err := repo.ListMessagesBySession(ctx, session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected the late message persisted, got %d messages", len(msgs))
	}
}

func TestHandleCallbackBySdkSessionID(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	if err := repo.SetSdkSessionID(ctx, session.ID, "sdk-123"); err != nil {
		t.Fatalf("set sdk id failed: %v", err)
	}

	result, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: "sdk-123",
		Status:    v1.CallbackRunning,
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if result.SessionID != session.ID {
		t.Errorf("expected sdk id resolved to session %s, got %s", session.ID, result.SessionID)
	}

	// A callback for a session this control plane does not know is
	// acknowledged without side effects, never bounced.
	unknown, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: "sdk-missing",
		Status:    v1.CallbackCompleted,
	})
	if err != nil {
		t.Fatalf("unknown-session callback must not fail: %v", err)
	}
	if !unknown.Ignored {
		t.Error("expected unknown-session callback to be marked ignored")
	}
	if unknown.MessageStored || unknown.Dropped {
		t.Errorf("ignored callback must have no effects, got %+v", unknown)
	}
}

func TestHandleCallbackToolBlocks(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	// Result arrives before its use block.
	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		Message: map[string]interface{}{
			"_type": "UserMessage",
			"content": []interface{}{
				map[string]interface{}{
					"_type":       "ToolResultBlock",
					"tool_use_id": "toolu_9",
					"content":     "listing",
				},
			},
		},
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	exec, err := repo.GetToolExecution(ctx, session.ID, "toolu_9")
	if err != nil {
		t.Fatalf("get execution failed: %v", err)
	}
	if exec.ToolName != "unknown" {
		t.Errorf("expected placeholder name, got %s", exec.ToolName)
	}

	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		Message: map[string]interface{}{
			"_type": "AssistantMessage",
			"content": []interface{}{
				map[string]interface{}{
					"_type": "ToolUseBlock",
					"id":    "toolu_9",
					"name":  "Bash",
					"input": map[string]interface{}{"command": "ls"},
				},
			},
		},
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	exec, err = repo.GetToolExecution(ctx, session.ID, "toolu_9")
	if err != nil {
		t.Fatalf("get execution failed: %v", err)
	}
	if exec.ToolName != "Bash" {
		t.Errorf("expected name filled by late use block, got %s", exec.ToolName)
	}
	if !exec.Finished() {
		t.Error("expected earlier result to survive")
	}

	// The execution points back at the message that carried the result.
	msgs, err := repo.ListMessagesBySession(ctx, session.ID, 10, 0)
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	resultMsg := msgs[0]
	if resultMsg.Role != "user" {
		resultMsg = msgs[1]
	}
	if exec.ResultMessageID == nil || *exec.ResultMessageID != resultMsg.ID {
		t.Errorf("expected result message id %s, got %v", resultMsg.ID, exec.ResultMessageID)
	}
}

func TestHandleCallbackRecordsProgress(t *testing.T) {
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

	progress := 40
	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		RunID:     run.ID,
		Status:    v1.CallbackRunning,
		Progress:  &progress,
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Progress != 40 {
		t.Errorf("expected progress 40, got %d", got.Progress)
	}

	// Out-of-range values clamp instead of failing the callback.
	progress = 250
	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		RunID:     run.ID,
		Status:    v1.CallbackRunning,
		Progress:  &progress,
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	got, err = repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Progress != 100 {
		t.Errorf("expected clamped progress 100, got %d", got.Progress)
	}
}

func TestHandleCallbackStateSnapshotReplaces(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		State: &v1.AgentState{
			Todos: []v1.TodoItem{{Content: "write tests", Status: "in_progress"}},
		},
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if _, ok := got.StatePatch["todos"]; !ok {
		t.Fatalf("expected todos in stored state, got %v", got.StatePatch)
	}

	// The next snapshot has no todos: the stored document is replaced, so
	// the finished todo list disappears rather than lingering.
	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID: session.ID,
		State: &v1.AgentState{
			FileChanges: []v1.FileChange{{Path: "main.go", Operation: "modified"}},
		},
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, err = repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if _, ok := got.StatePatch["todos"]; ok {
		t.Errorf("stale todos must not survive a snapshot without them: %v", got.StatePatch)
	}
	if _, ok := got.StatePatch["file_changes"]; !ok {
		t.Errorf("expected file_changes in stored state, got %v", got.StatePatch)
	}
}

func TestHandleCallbackUnknownStatus(t *testing.T) {
	svc, repo := newTestService(t)
	session := newTestSession(t, repo, "user-1")

	_, err := svc.HandleCallback(context.Background(), &v1.CallbackRequest{
		SessionID: session.ID,
		Status:    v1.CallbackStatus("exploded"),
	})
	if !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
}

func TestHandleCallbackWorkspaceExport(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	if _, err := svc.HandleCallback(ctx, &v1.CallbackRequest{
		SessionID:             session.ID,
		WorkspaceExportStatus: "ready",
		WorkspaceFilesPrefix:  "workspaces/user-1/" + session.ID,
		WorkspaceManifestKey:  "workspaces/user-1/" + session.ID + "/manifest.json",
		WorkspaceArchiveKey:   "workspaces/user-1/" + session.ID + "/archive.tar.gz",
	}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if got.WorkspaceExportStatus == nil || *got.WorkspaceExportStatus != "ready" {
		t.Errorf("expected export status ready, got %v", got.WorkspaceExportStatus)
	}
	if got.WorkspaceManifestKey == nil || got.WorkspaceArchiveKey == nil {
		t.Error("expected manifest and archive keys recorded")
	}
}

func TestCancelSessionRelaysToDispatcher(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	canceler := &fakeCanceler{}
	svc.SetDispatcherCanceler(canceler)

	session := newTestSession(t, repo, "user-1")
	result, err := svc.CancelSession(ctx, session.ID, "user-1", "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !result.ExecutorCancelled {
		t.Error("expected executor cancel to be reported")
	}
	if len(canceler.calls) != 1 || canceler.calls[0] != session.ID {
		t.Errorf("expected one relay call for %s, got %v", session.ID, canceler.calls)
	}
}

func TestCancelSessionWrongUser(t *testing.T) {
	svc, repo := newTestService(t)

	session := newTestSession(t, repo, "user-1")
	_, err := svc.CancelSession(context.Background(), session.ID, "user-2", "")
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("expected forbidden for another user's session, got %v", err)
	}
}
