// Package v1 defines the wire types shared by the control plane public API,
// the dispatcher-facing internal API, and the executor callback surface.
package v1

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// RunStatus is the lifecycle state of a queued agent run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// ScheduleMode selects which dispatcher puller may claim a run.
type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "immediate"
	ScheduleScheduled ScheduleMode = "scheduled"
	ScheduleNightly   ScheduleMode = "nightly"
)

// Valid reports whether the mode is a known schedule mode.
func (m ScheduleMode) Valid() bool {
	switch m {
	case ScheduleImmediate, ScheduleScheduled, ScheduleNightly:
		return true
	}
	return false
}

// PermissionMode controls how the executor gates tool use for a run.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether the mode is a known permission mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// ExportStatus is the workspace export state carried on a session.
type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportReady   ExportStatus = "ready"
	ExportFailed  ExportStatus = "failed"
)

// InputRequestStatus is the state of a blocking user-input request.
type InputRequestStatus string

const (
	InputPending  InputRequestStatus = "pending"
	InputAnswered InputRequestStatus = "answered"
	InputExpired  InputRequestStatus = "expired"
)
