package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
)

// CreateUsageLog records token accounting from one result message.
func (r *Repository) CreateUsageLog(ctx context.Context, usage *models.UsageLog) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	var cost interface{}
	if usage.TotalCostUSD != nil {
		cost = *usage.TotalCostUSD
	}
	var durationMs interface{}
	if usage.DurationMs != nil {
		durationMs = *usage.DurationMs
	}
	var numTurns interface{}
	if usage.NumTurns != nil {
		numTurns = *usage.NumTurns
	}

	_, err := r.exec(ctx, `
		INSERT INTO usage_logs (id, session_id, run_id, model, input_tokens,
			output_tokens, cache_creation_tokens, cache_read_tokens,
			total_cost_usd, duration_ms, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, usage.ID, usage.SessionID, nullableString(usage.RunID), usage.Model,
		usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens,
		usage.CacheReadTokens, cost, durationMs, numTurns, usage.CreatedAt)
	return err
}

// ListUsageBySession returns a session's usage logs in chronological order.
func (r *Repository) ListUsageBySession(ctx context.Context, sessionID string) ([]*models.UsageLog, error) {
	rows, err := r.query(ctx, `
		SELECT id, session_id, run_id, model, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, total_cost_usd,
			duration_ms, num_turns, created_at
		FROM usage_logs WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.UsageLog
	for rows.Next() {
		u := &models.UsageLog{}
		var runID sql.NullString
		var cost sql.NullFloat64
		var durationMs sql.NullInt64
		var numTurns sql.NullInt64

		err := rows.Scan(&u.ID, &u.SessionID, &runID, &u.Model, &u.InputTokens,
			&u.OutputTokens, &u.CacheCreationTokens, &u.CacheReadTokens,
			&cost, &durationMs, &numTurns, &u.CreatedAt)
		if err != nil {
			return nil, err
		}
		if runID.Valid {
			u.RunID = &runID.String
		}
		if cost.Valid {
			u.TotalCostUSD = &cost.Float64
		}
		if durationMs.Valid {
			u.DurationMs = &durationMs.Int64
		}
		if numTurns.Valid {
			turns := int(numTurns.Int64)
			u.NumTurns = &turns
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// UsageSummary aggregates a session's token usage.
type UsageSummary struct {
	SessionID           string  `json:"session_id"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	Entries             int     `json:"entries"`
}

// SummarizeUsageBySession sums usage across a session.
func (r *Repository) SummarizeUsageBySession(ctx context.Context, sessionID string) (*UsageSummary, error) {
	summary := &UsageSummary{SessionID: sessionID}
	err := r.queryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0), COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(total_cost_usd), 0), COUNT(*)
		FROM usage_logs WHERE session_id = ?
	`, sessionID).Scan(&summary.InputTokens, &summary.OutputTokens,
		&summary.CacheCreationTokens, &summary.CacheReadTokens,
		&summary.TotalCostUSD, &summary.Entries)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
