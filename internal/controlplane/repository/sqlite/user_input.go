package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

const inputColumns = `id, session_id, run_id, kind, payload, status, answer,
	expires_at, created_at, updated_at`

// CreateUserInputRequest persists a pending user-input request.
func (r *Repository) CreateUserInputRequest(ctx context.Context, req *models.UserInputRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = v1.InputPending
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	payloadJSON, err := marshalJSON(req.Payload)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO user_input_requests (id, session_id, run_id, kind, payload,
			status, answer, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`, req.ID, req.SessionID, nullableString(req.RunID), req.Kind, payloadJSON,
		string(req.Status), req.ExpiresAt, req.CreatedAt, req.UpdatedAt)
	return err
}

func scanUserInputRequest(scan func(dest ...interface{}) error) (*models.UserInputRequest, error) {
	req := &models.UserInputRequest{}
	var runID, answerJSON sql.NullString
	var payloadJSON string
	var expiresAt sql.NullTime

	err := scan(&req.ID, &req.SessionID, &runID, &req.Kind, &payloadJSON,
		&req.Status, &answerJSON, &expiresAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		req.RunID = &runID.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		req.ExpiresAt = &t
	}
	if req.Payload, err = unmarshalMap(payloadJSON); err != nil {
		return nil, err
	}
	if answerJSON.Valid {
		if req.Answer, err = unmarshalMap(answerJSON.String); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// GetUserInputRequest retrieves a request by ID.
func (r *Repository) GetUserInputRequest(ctx context.Context, id string) (*models.UserInputRequest, error) {
	row := r.queryRow(ctx, `SELECT `+inputColumns+` FROM user_input_requests WHERE id = ?`, id)
	return scanUserInputRequest(row.Scan)
}

// ListUserInputRequestsBySession returns requests for a session, optionally
// filtered by status.
func (r *Repository) ListUserInputRequestsBySession(ctx context.Context, sessionID, status string) ([]*models.UserInputRequest, error) {
	query := `SELECT ` + inputColumns + ` FROM user_input_requests WHERE session_id = ?`
	args := []interface{}{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.UserInputRequest
	for rows.Next() {
		req, err := scanUserInputRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// AnswerUserInputRequest records an answer on a pending request.
func (r *Repository) AnswerUserInputRequest(ctx context.Context, id string, answer map[string]interface{}) (*models.UserInputRequest, error) {
	answerJSON, err := marshalJSON(answer)
	if err != nil {
		return nil, err
	}
	res, err := r.exec(ctx, `
		UPDATE user_input_requests
		SET status = 'answered', answer = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, answerJSON, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return r.GetUserInputRequest(ctx, id)
}

// ExpirePendingUserInputRequests expires every pending request of a session,
// setting expires_at so the expiry is effective immediately.
func (r *Repository) ExpirePendingUserInputRequests(ctx context.Context, sessionID string, now time.Time) (int, error) {
	res, err := r.exec(ctx, `
		UPDATE user_input_requests
		SET status = 'expired', expires_at = ?, updated_at = ?
		WHERE session_id = ? AND status = 'pending'
	`, now, now, sessionID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
