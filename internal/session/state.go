package session

import "time"

// State is the supervisor's view of the session lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateLoggedOut    State = "logged_out"
	StateReplaced     State = "replaced"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []State{
	StateIdle,
	StateConnecting,
	StateReady,
	StateDisconnected,
	StateLoggedOut,
	StateReplaced,
	StateRejected,
	StateFailed,
}

// Terminal states are not redialed until Reconnect is called.
func (s State) Terminal() bool {
	switch s {
	case StateLoggedOut, StateReplaced, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// Status is a point-in-time snapshot for probes and heartbeats.
type Status struct {
	State        State         `json:"state"`
	Ready        bool          `json:"ready"`
	HasSession   bool          `json:"has_session"`
	Generation   uint64        `json:"generation"`
	Attempts     int           `json:"attempts"`
	Reconnects   uint64        `json:"reconnects"`
	LastError    string        `json:"last_error,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
	ChangedAt    time.Time     `json:"changed_at"`
	PendingSends []PendingSend `json:"pending_sends"`
}
