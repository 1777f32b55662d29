package v1

import "time"

// ClaimRequest asks the control plane for claimable runs.
type ClaimRequest struct {
	WorkerID     string   `json:"worker_id"`
	Modes        []string `json:"modes"`
	Limit        int      `json:"limit,omitempty"`
	LeaseSeconds int      `json:"lease_seconds,omitempty"`
}

// ClaimedRun is one run handed to a dispatcher worker under a lease.
type ClaimedRun struct {
	RunID          string                 `json:"run_id"`
	SessionID      string                 `json:"session_id"`
	UserID         string                 `json:"user_id"`
	ScheduleMode   ScheduleMode           `json:"schedule_mode"`
	Attempts       int                    `json:"attempts"`
	LeaseExpiresAt time.Time              `json:"lease_expires_at"`
	Prompt         string                 `json:"prompt"`
	PermissionMode PermissionMode         `json:"permission_mode"`
	SdkSessionID   string                 `json:"sdk_session_id,omitempty"`
	ConfigSnapshot map[string]interface{} `json:"config_snapshot"`
}

// ClaimResponse carries the claimed runs.
type ClaimResponse struct {
	Runs []ClaimedRun `json:"runs"`
}

// StartRunRequest moves a claimed run to running.
type StartRunRequest struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatRequest extends the lease on a claimed or running run.
type HeartbeatRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// FailRunRequest marks a run failed from the dispatcher side.
type FailRunRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}
