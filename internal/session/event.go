package session

import "fmt"

// EventKind classifies transport events the supervisor reacts to.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventCredentialsUpdated
	EventPairingCode
	EventLoggedOut
	EventReplaced
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventPairingCode:
		return "pairing_code"
	case EventLoggedOut:
		return "logged_out"
	case EventReplaced:
		return "replaced"
	case EventRejected:
		return "rejected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one transport notification. Reason is free text for logs; Code
// carries the pairing payload for EventPairingCode.
type Event struct {
	Kind   EventKind
	Reason string
	Code   string
}

// endsSession reports whether the event means the current handle is gone.
func (e Event) endsSession() bool {
	switch e.Kind {
	case EventDisconnected, EventLoggedOut, EventReplaced, EventRejected:
		return true
	default:
		return false
	}
}

// terminalState maps terminal events onto their lifecycle state.
func (e Event) terminalState() (State, bool) {
	switch e.Kind {
	case EventLoggedOut:
		return StateLoggedOut, true
	case EventReplaced:
		return StateReplaced, true
	case EventRejected:
		return StateRejected, true
	default:
		return "", false
	}
}
