package session

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity means the concurrency cap is reached; retry later.
	ErrCapacity = errors.New("session capacity reached")
	// ErrLaunch means the worker program could not be started.
	ErrLaunch = errors.New("worker launch failed")
	// ErrStorage means the initial durable record could not be written.
	ErrStorage = errors.New("session storage unavailable")
	ErrClosed  = errors.New("session manager closed")
)

// SpawnError reports a session that was admitted and recorded but failed to
// launch. It matches ErrLaunch and the underlying cause.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("session %s: %v: %v", e.SessionID, ErrLaunch, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}
