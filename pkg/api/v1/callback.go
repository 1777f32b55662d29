package v1

// CallbackStatus is the run status reported by an executor callback.
type CallbackStatus string

const (
	CallbackRunning   CallbackStatus = "running"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
	CallbackCanceled  CallbackStatus = "canceled"
)

// Terminal reports whether the callback status ends the run.
func (s CallbackStatus) Terminal() bool {
	return s == CallbackCompleted || s == CallbackFailed || s == CallbackCanceled
}

// TodoItem is one entry of the agent's running todo list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// McpStatus reports health of one configured MCP server.
type McpStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// FileChange is one workspace file touched by the agent.
type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // created, modified, deleted
}

// WorkspaceState summarizes the workspace at callback time.
type WorkspaceState struct {
	FileCount  int   `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// AgentState is the agent state snapshot carried on callbacks. Each
// snapshot is complete: it replaces the session's stored state document,
// so a snapshot without todos clears any previously reported todos.
type AgentState struct {
	Todos       []TodoItem      `json:"todos,omitempty"`
	McpStatus   []McpStatus     `json:"mcp_status,omitempty"`
	FileChanges []FileChange    `json:"file_changes,omitempty"`
	Workspace   *WorkspaceState `json:"workspace,omitempty"`
}

// Usage carries token accounting from a ResultMessage.
type Usage struct {
	Model               string   `json:"model,omitempty"`
	InputTokens         int64    `json:"input_tokens"`
	OutputTokens        int64    `json:"output_tokens"`
	CacheCreationTokens int64    `json:"cache_creation_tokens"`
	CacheReadTokens     int64    `json:"cache_read_tokens"`
	TotalCostUSD        *float64 `json:"total_cost_usd,omitempty"`
	DurationMs          *int64   `json:"duration_ms,omitempty"`
	NumTurns            *int     `json:"num_turns,omitempty"`
}

// CallbackRequest is the executor (or dispatcher relay) callback payload.
// SessionID may be either the control-plane session UUID or the SDK session
// id assigned by the agent runtime. Message is the raw SDK message document
// tagged with "_type".
type CallbackRequest struct {
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	Status    CallbackStatus `json:"status"`
	Progress  *int           `json:"progress,omitempty"` // 0-100, clamped on write

	Message map[string]interface{} `json:"message,omitempty"`
	Usage   *Usage                 `json:"usage,omitempty"`
	State   *AgentState            `json:"state,omitempty"`
	Error   string                 `json:"error,omitempty"`

	WorkspaceExportStatus string `json:"workspace_export_status,omitempty"`
	WorkspaceFilesPrefix  string `json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  string `json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   string `json:"workspace_archive_key,omitempty"`
}
