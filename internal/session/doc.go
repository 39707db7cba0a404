// Package session owns the single outbound messaging session.
//
// Ownership boundary:
// - the live session handle and its readiness flag
// - dial/redial with bounded exponential backoff
// - terminal disconnect causes (logout, replacement, rejection)
// - the in-flight send ledger
//
// The transport itself is supplied through Dialer; this package never
// speaks the messaging protocol directly.
package session
