package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/danmuck/wabridge/internal/session"
)

// translateEvent maps a whatsmeow event onto a supervisor event. ok is false
// for events the supervisor does not track.
func translateEvent(evt any) (session.Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return session.Event{Kind: session.EventConnected}, true
	case *events.Disconnected:
		return session.Event{Kind: session.EventDisconnected, Reason: "websocket disconnected"}, true
	case *events.PairSuccess:
		return session.Event{
			Kind:   session.EventCredentialsUpdated,
			Reason: fmt.Sprintf("paired as %s", v.ID),
		}, true
	case *events.LoggedOut:
		return session.Event{
			Kind:   session.EventLoggedOut,
			Reason: fmt.Sprintf("logged out (reason %v)", v.Reason),
		}, true
	case *events.StreamReplaced:
		return session.Event{Kind: session.EventReplaced, Reason: "stream replaced by another client"}, true
	case *events.TemporaryBan:
		return session.Event{Kind: session.EventRejected, Reason: fmt.Sprintf("temporary ban: %v", v)}, true
	case *events.ClientOutdated:
		return session.Event{Kind: session.EventRejected, Reason: "client version outdated"}, true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return session.Event{
				Kind:   session.EventLoggedOut,
				Reason: fmt.Sprintf("connect failure (reason %v)", v.Reason),
			}, true
		}
		return session.Event{
			Kind:   session.EventDisconnected,
			Reason: fmt.Sprintf("connect failure (reason %v): %s", v.Reason, v.Message),
		}, true
	default:
		return session.Event{}, false
	}
}
