package kernel

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOrchestratorClosed is returned once Close has started.
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionClosedError is returned when a turn arrives for a session that is
// being ended.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

// RateLimitedError is returned when a session sends faster than the inbound
// limit allows.
type RateLimitedError struct {
	SessionID  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("session %s rate limited, retry after %s", e.SessionID, e.RetryAfter.Round(time.Millisecond))
}

// PersistenceError wraps the last persistence failure of a turn. The turn
// was not committed.
type PersistenceError struct {
	SessionID string
	TurnID    string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting turn %s of session %s: %v", e.TurnID, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
