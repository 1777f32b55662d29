package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
)

const messageColumns = `id, session_id, run_id, role, content, text_preview, created_at`

// CreateMessage persists an agent message.
func (r *Repository) CreateMessage(ctx context.Context, msg *models.AgentMessage) error {
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

	_, err = r.exec(ctx, `
		INSERT INTO agent_messages (id, session_id, run_id, role, content, text_preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, nullableString(msg.RunID), msg.Role, contentJSON,
		msg.TextPreview, msg.CreatedAt)
	return err
}

func scanMessage(scan func(dest ...interface{}) error) (*models.AgentMessage, error) {
	msg := &models.AgentMessage{}
	var runID sql.NullString
	var contentJSON string

	err := scan(&msg.ID, &msg.SessionID, &runID, &msg.Role, &contentJSON,
		&msg.TextPreview, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		msg.RunID = &runID.String
	}
	if msg.Content, err = unmarshalMap(contentJSON); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessagesBySession returns a session's messages in chronological order.
func (r *Repository) ListMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.AgentMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.query(ctx, `
		SELECT `+messageColumns+` FROM agent_messages
		WHERE session_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// LatestUserPrompt returns the full text of the newest user message for a
// session. Claim responses hand it to the executor as the prompt.
func (r *Repository) LatestUserPrompt(ctx context.Context, sessionID string) (string, error) {
	var contentJSON string
	err := r.queryRow(ctx, `
		SELECT content FROM agent_messages
		WHERE session_id = ? AND role = 'user'
		ORDER BY created_at DESC LIMIT 1
	`, sessionID).Scan(&contentJSON)
	if err != nil {
		return "", err
	}
	content, err := unmarshalMap(contentJSON)
	if err != nil {
		return "", err
	}
	return FirstTextBlock(content), nil
}

// FirstTextBlock extracts the text of the first TextBlock from an SDK
// message document, or "" when none is present.
func FirstTextBlock(message map[string]interface{}) string {
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return ""
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := block["_type"].(string); t != "TextBlock" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			return text
		}
	}
	return ""
}
