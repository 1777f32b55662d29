package models

import "time"

// Scope says whether a catalog record is provided by the platform or owned
// by a user. A user record hides a system record with the same name.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

// Skill is a staged capability: a named directory of files copied into the
// workspace before execution.
type Skill struct {
	ID          string            `json:"id"`
	Scope       Scope             `json:"scope"`
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Description *string           `json:"description,omitempty"`
	Files       map[string]string `json:"files"` // relative path -> content
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// McpServer is an MCP server definition resolvable into executor config.
type McpServer struct {
	ID               string            `json:"id"`
	Scope            Scope             `json:"scope"`
	UserID           string            `json:"user_id"`
	Name             string            `json:"name"`
	Transport        string            `json:"transport"` // stdio, sse, http
	Command          *string           `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	URL              *string           `json:"url,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	EnabledByDefault bool              `json:"enabled_by_default"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SubAgent is a named specialist prompt selectable per run.
type SubAgent struct {
	ID               string    `json:"id"`
	Scope            Scope     `json:"scope"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Description      *string   `json:"description,omitempty"`
	Prompt           string    `json:"prompt"`
	Model            *string   `json:"model,omitempty"`
	EnabledByDefault bool      `json:"enabled_by_default"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SlashCommand is a markdown command staged into the workspace command dir.
// Content may carry YAML front matter; the model key is stripped at staging.
type SlashCommand struct {
	ID               string    `json:"id"`
	Scope            Scope     `json:"scope"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Description      *string   `json:"description,omitempty"`
	Content          string    `json:"content"`
	EnabledByDefault bool      `json:"enabled_by_default"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserEnvVar is one environment variable, encrypted at rest.
// System-scoped vars may be declared with an empty value ("declared but
// unset"); those are omitted from the resolved env map.
type UserEnvVar struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"` // decrypted in memory, encrypted in storage
	IsSecret  bool      `json:"is_secret"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSet reports whether the variable carries a value.
func (v *UserEnvVar) IsSet() bool { return v.Value != "" }

// Install links a user to a catalog record with a per-user enable flag.
type Install struct {
	UserID       string    `json:"user_id"`
	CapabilityID string    `json:"capability_id"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}
