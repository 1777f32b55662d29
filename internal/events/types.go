// Package events provides event types and utilities for the OpenCoWork event system.
package events

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionUpdated       = "session.updated"
	SessionStatusChanged = "session.status_changed"
	SessionCanceled      = "session.canceled"
	SessionDeleted       = "session.deleted"
)

// Event types for runs
const (
	RunEnqueued      = "run.enqueued"
	RunClaimed       = "run.claimed"
	RunStarted       = "run.started"
	RunStatusChanged = "run.status_changed"
	RunFinished      = "run.finished"
)

// Event types for agent output
const (
	MessageCreated       = "message.created"
	ToolExecutionUpdated = "tool_execution.updated"
	UserInputRequested   = "user_input.requested"
	UserInputAnswered    = "user_input.answered"
)

// Event types for workspace export
const (
	WorkspaceExportStarted  = "workspace_export.started"
	WorkspaceExportFinished = "workspace_export.finished"
)

// SubjectSession returns the bus subject for a session's event stream.
func SubjectSession(sessionID string) string {
	return "sessions." + sessionID
}

// SubjectAllSessions matches every session event.
const SubjectAllSessions = "sessions.>"
