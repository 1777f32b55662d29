package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const toolColumns = `id, session_id, run_id, tool_use_id, tool_name, tool_input,
	tool_output, result_message_id, is_error, duration_ms, created_at, updated_at`

func scanToolExecution(scan func(dest ...interface{}) error) (*models.ToolExecution, error) {
	t := &models.ToolExecution{}
	var runID, resultMessageID sql.NullString
	var inputJSON, outputJSON sql.NullString
	var isError int
	var durationMs sql.NullInt64

	err := scan(&t.ID, &t.SessionID, &runID, &t.ToolUseID, &t.ToolName, &inputJSON,
		&outputJSON, &resultMessageID, &isError, &durationMs, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		t.RunID = &runID.String
	}
	if resultMessageID.Valid {
		t.ResultMessageID = &resultMessageID.String
	}
	t.IsError = isError != 0
	if durationMs.Valid {
		t.DurationMs = &durationMs.Int64
	}
	if inputJSON.Valid {
		if t.ToolInput, err = unmarshalMap(inputJSON.String); err != nil {
			return nil, err
		}
	}
	if outputJSON.Valid {
		if t.ToolOutput, err = unmarshalMap(outputJSON.String); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// GetToolExecution looks up an execution by its session and tool_use_id.
func (r *Repository) GetToolExecution(ctx context.Context, sessionID, toolUseID string) (*models.ToolExecution, error) {
	row := r.queryRow(ctx, `
		SELECT `+toolColumns+` FROM tool_executions
		WHERE session_id = ? AND tool_use_id = ?
	`, sessionID, toolUseID)
	return scanToolExecution(row.Scan)
}

// UpsertToolUse records a ToolUseBlock. When a placeholder row already
// exists (result arrived first) the name and input are filled in.
func (r *Repository) UpsertToolUse(ctx context.Context, sessionID string, runID *string, toolUseID, toolName string, toolInput map[string]interface{}) (*models.ToolExecution, error) {
	now := time.Now().UTC()
	inputJSON, err := marshalJSON(toolInput)
	if err != nil {
		return nil, err
	}

	existing, err := r.GetToolExecution(ctx, sessionID, toolUseID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if existing != nil {
		_, err = r.exec(ctx, `
			UPDATE tool_executions
			SET tool_name = ?, tool_input = ?, run_id = COALESCE(run_id, ?), updated_at = ?
			WHERE session_id = ? AND tool_use_id = ?
		`, toolName, inputJSON, nullableString(runID), now, sessionID, toolUseID)
		if err != nil {
			return nil, err
		}
		return r.GetToolExecution(ctx, sessionID, toolUseID)
	}

	exec := &models.ToolExecution{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		RunID:     runID,
		ToolUseID: toolUseID,
		ToolName:  toolName,
		ToolInput: toolInput,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = r.exec(ctx, `
		INSERT INTO tool_executions (id, session_id, run_id, tool_use_id, tool_name,
			tool_input, tool_output, result_message_id, is_error, duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, NULL, ?, ?)
	`, exec.ID, sessionID, nullableString(runID), toolUseID, toolName, inputJSON, now, now)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ApplyToolResult records a ToolResultBlock. When no matching use exists yet
// a placeholder row with tool_name "unknown" is created. The output document
// is always written, even for a nil content payload, so a stored output is
// the signal that the execution finished. resultMessageID links back to the
// agent message that carried the result block.
func (r *Repository) ApplyToolResult(ctx context.Context, sessionID string, runID *string, toolUseID string, content interface{}, isError bool, resultMessageID *string) (*models.ToolExecution, error) {
	now := time.Now().UTC()
	output := map[string]interface{}{"content": content}
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return nil, err
	}

	existing, err := r.GetToolExecution(ctx, sessionID, toolUseID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if existing == nil {
		// Result arrived before its use block.
		id := uuid.New().String()
		_, err = r.exec(ctx, `
			INSERT INTO tool_executions (id, session_id, run_id, tool_use_id, tool_name,
				tool_input, tool_output, result_message_id, is_error, duration_ms, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'unknown', NULL, ?, ?, ?, 0, ?, ?)
		`, id, sessionID, nullableString(runID), toolUseID, outputJSON,
			nullableString(resultMessageID), dialect.BoolToInt(isError), now, now)
		if err != nil {
			return nil, err
		}
		return r.GetToolExecution(ctx, sessionID, toolUseID)
	}

	var durationMs interface{}
	if existing.DurationMs == nil {
		ms := now.Sub(existing.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		durationMs = ms
	} else {
		durationMs = *existing.DurationMs
	}

	_, err = r.exec(ctx, `
		UPDATE tool_executions
		SET tool_output = ?, result_message_id = ?, is_error = ?, duration_ms = ?, updated_at = ?
		WHERE session_id = ? AND tool_use_id = ?
	`, outputJSON, nullableString(resultMessageID), dialect.BoolToInt(isError), durationMs, now, sessionID, toolUseID)
	if err != nil {
		return nil, err
	}
	return r.GetToolExecution(ctx, sessionID, toolUseID)
}

// ListToolExecutionsBySession returns a session's tool executions in
// chronological order.
func (r *Repository) ListToolExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ToolExecution, error) {
	rows, err := r.query(ctx, `
		SELECT `+toolColumns+` FROM tool_executions
		WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ToolExecution
	for rows.Next() {
		t, err := scanToolExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListUnfinishedToolExecutions returns executions without a recorded output.
func (r *Repository) ListUnfinishedToolExecutions(ctx context.Context, sessionID string) ([]*models.ToolExecution, error) {
	rows, err := r.query(ctx, `
		SELECT `+toolColumns+` FROM tool_executions
		WHERE session_id = ? AND tool_output IS NULL
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ToolExecution
	for rows.Next() {
		t, err := scanToolExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// FinishToolExecutionsCanceled marks every unfinished execution of a session
// as errored with a cancellation message, backfilling duration.
func (r *Repository) FinishToolExecutionsCanceled(ctx context.Context, sessionID, message string, now time.Time) (int, error) {
	unfinished, err := r.ListUnfinishedToolExecutions(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	output := map[string]interface{}{"content": message}
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return 0, err
	}
	for _, exec := range unfinished {
		ms := now.Sub(exec.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		var durationMs interface{} = ms
		if exec.DurationMs != nil {
			durationMs = *exec.DurationMs
		}
		_, err := r.exec(ctx, `
			UPDATE tool_executions
			SET tool_output = ?, is_error = 1, duration_ms = ?, updated_at = ?
			WHERE id = ?
		`, outputJSON, durationMs, now, exec.ID)
		if err != nil {
			return 0, err
		}
	}
	return len(unfinished), nil
}
