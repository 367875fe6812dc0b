package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates an operation referenced an unknown session id.
var ErrNotFound = errors.New("session: not found")

// State is the session lifecycle state. Legal transitions are
// Active→Idle→Expired and Active→Closed only; Expired and Closed are
// terminal.
type State string

const (
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// Session is one user's isolated execution context. Owned exclusively by
// the Registry; all mutation goes through registry operations.
type Session struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	State        State

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the session-scoped context. Long-running actions derive
// from it so that Close and expiry propagate cancellation to them.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Snapshot returns a copy safe to hand to callers outside the registry.
// The copy shares the session context but not the mutable fields.
func (s *Session) Snapshot() Session {
	return Session{
		ID:           s.ID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ExpiresAt:    s.ExpiresAt,
		State:        s.State,
		ctx:          s.ctx,
		cancel:       s.cancel,
	}
}

// idleFor reports how long the session has been without activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}
