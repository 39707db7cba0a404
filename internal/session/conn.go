package session

import (
	"context"
	"time"
)

// Conn is one live session handle produced by a Dialer.
type Conn interface {
	SendText(ctx context.Context, to string, text string) (Receipt, error)
	Close() error
}

// Dialer opens a new session handle. handle is invoked for every transport
// event of the returned Conn, possibly from other goroutines; it never blocks.
type Dialer interface {
	Dial(ctx context.Context, handle func(Event)) (Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, handle func(Event)) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, handle func(Event)) (Conn, error) {
	return f(ctx, handle)
}

// Receipt identifies a message accepted by the transport.
type Receipt struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}
