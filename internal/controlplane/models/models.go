// Package models defines the persistence-layer entities of the control plane.
package models

import (
	"time"

	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// SystemUserID owns system-scoped catalog records and env vars.
const SystemUserID = "__system__"

// Session is one agent conversation with its workspace and run history.
type Session struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	ProjectID    *string                `json:"project_id,omitempty"`
	Kind         string                 `json:"kind"`
	Status       v1.SessionStatus       `json:"status"`
	SdkSessionID *string                `json:"sdk_session_id,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	StatePatch   map[string]interface{} `json:"state_patch,omitempty"`

	WorkspaceArchiveURL   *string `json:"workspace_archive_url,omitempty"`
	WorkspaceFilesPrefix  *string `json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  *string `json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   *string `json:"workspace_archive_key,omitempty"`
	WorkspaceExportStatus *string `json:"workspace_export_status,omitempty"`

	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one queued unit of agent work belonging to a session.
type Run struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	ScheduledTaskID *string           `json:"scheduled_task_id,omitempty"`
	Status          v1.RunStatus      `json:"status"`
	ScheduleMode    v1.ScheduleMode   `json:"schedule_mode"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty"`
	PermissionMode  v1.PermissionMode `json:"permission_mode"`

	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`

	Progress       int                    `json:"progress"`
	Error          *string                `json:"error,omitempty"`
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Live reports whether the run still occupies the queue.
func (r *Run) Live() bool {
	return r.Status == v1.RunQueued || r.Status == v1.RunClaimed || r.Status == v1.RunRunning
}

// AgentMessage is one SDK message persisted for a session.
type AgentMessage struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	RunID       *string                `json:"run_id,omitempty"`
	Role        string                 `json:"role"` // user, assistant, system, result
	Content     map[string]interface{} `json:"content"`
	TextPreview string                 `json:"text_preview"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ToolExecution tracks one tool invocation, upserted from ToolUseBlock and
// ToolResultBlock callbacks keyed by (session_id, tool_use_id).
type ToolExecution struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	RunID      *string                `json:"run_id,omitempty"`
	ToolUseID  string                 `json:"tool_use_id"`
	ToolName   string                 `json:"tool_name"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput map[string]interface{} `json:"tool_output,omitempty"`
	// ResultMessageID is the agent message that carried the ToolResultBlock.
	ResultMessageID *string `json:"result_message_id,omitempty"`
	IsError         bool    `json:"is_error"`
	DurationMs      *int64  `json:"duration_ms,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Finished reports whether a result has been recorded for the execution.
func (t *ToolExecution) Finished() bool {
	return t.ToolOutput != nil
}

// UserInputRequest is a blocking question raised by the agent.
type UserInputRequest struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	RunID     *string                `json:"run_id,omitempty"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Status    v1.InputRequestStatus  `json:"status"`
	Answer    map[string]interface{} `json:"answer,omitempty"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// UsageLog records token accounting from one ResultMessage.
type UsageLog struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	RunID               *string   `json:"run_id,omitempty"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	TotalCostUSD        *float64  `json:"total_cost_usd,omitempty"`
	DurationMs          *int64    `json:"duration_ms,omitempty"`
	NumTurns            *int      `json:"num_turns,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Project groups sessions and provides repository defaults for config snapshots.
type Project struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	RepoURL        *string   `json:"repo_url,omitempty"`
	GitBranch      *string   `json:"git_branch,omitempty"`
	GitTokenEnvKey *string   `json:"git_token_env_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScheduledTask is a recurring or future prompt that produces runs.
type ScheduledTask struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	SessionID     *string         `json:"session_id,omitempty"`
	Prompt        string          `json:"prompt"`
	ScheduleMode  v1.ScheduleMode `json:"schedule_mode"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunID     *string         `json:"last_run_id,omitempty"`
	LastRunStatus *string         `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
