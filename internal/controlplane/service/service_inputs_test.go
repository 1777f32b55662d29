package service

import (
	"context"
	"testing"
	"time"

	"github.com/opencowork/opencowork/internal/common/apperr"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

func TestCreateUserInput(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	input, err := svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{
		SessionID:      session.ID,
		Kind:           "permission",
		Payload:        map[string]interface{}{"tool": "Bash", "command": "rm -rf build"},
		TimeoutSeconds: 300,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if input.Status != v1.InputPending {
		t.Errorf("expected pending, got %s", input.Status)
	}
	if input.ExpiresAt == nil || !input.ExpiresAt.After(time.Now().UTC()) {
		t.Errorf("expected a future expiry, got %v", input.ExpiresAt)
	}

	got, err := svc.GetUserInput(ctx, input.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Kind != "permission" {
		t.Errorf("expected kind permission, got %s", got.Kind)
	}
	if got.Payload["tool"] != "Bash" {
		t.Errorf("expected payload to round-trip, got %v", got.Payload)
	}
}

func TestCreateUserInputBySdkSessionID(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")
	if err := repo.SetSdkSessionID(ctx, session.ID, "sdk-77"); err != nil {
		t.Fatalf("set sdk id failed: %v", err)
	}

	input, err := svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{
		SessionID: "sdk-77",
		Kind:      "question",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if input.SessionID != session.ID {
		t.Errorf("expected sdk id resolved to %s, got %s", session.ID, input.SessionID)
	}
}

func TestCreateUserInputValidation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	_, err := svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{SessionID: session.ID})
	if !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error without kind, got %v", err)
	}

	_, err = svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{SessionID: "missing", Kind: "question"})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("expected not found for unknown session, got %v", err)
	}

	_, err = svc.GetUserInput(ctx, "missing")
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("expected not found for unknown request, got %v", err)
	}
}

func TestCreateUserInputRejectedAfterCancel(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	session := newTestSession(t, repo, "user-1")

	pending, err := svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{
		SessionID: session.ID,
		Kind:      "permission",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := svc.CancelSession(ctx, session.ID, "user-1", "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.InputsExpired != 1 {
		t.Errorf("expected 1 input expired on cancel, got %d", result.InputsExpired)
	}

	got, err := svc.GetUserInput(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != v1.InputExpired {
		t.Errorf("expected expired after cancel, got %s", got.Status)
	}

	// No new questions on a canceled session.
	_, err = svc.CreateUserInput(ctx, &v1.UserInputRequestCreate{
		SessionID: session.ID,
		Kind:      "question",
	})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("expected conflict for canceled session, got %v", err)
	}
}
