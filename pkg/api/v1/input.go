package v1

// UserInputRequestCreate is the payload an executor sends (relayed by the
// dispatcher) to raise a blocking question. SessionID may be the
// control-plane session UUID or the SDK session id. A zero timeout leaves
// the request pending until answered or the session is canceled.
type UserInputRequestCreate struct {
	SessionID      string                 `json:"session_id"`
	RunID          string                 `json:"run_id,omitempty"`
	Kind           string                 `json:"kind"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}
