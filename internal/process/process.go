// Package process launches worker programs in their own process group and
// reports their output and exit as events on a channel.
package process

import (
	"context"
	"errors"
	"os"
	"syscall"
)

type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one observation of a running worker. Output events carry a chunk of
// combined stdout/stderr; the single Exit event is always last.
type Event struct {
	Kind     EventKind
	Data     []byte
	ExitCode int
	// Err is set on Exit when the wait itself failed (not a non-zero exit).
	Err error
}

// Spec describes one worker invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are added to the controller's environment.
	Env []string
	// Stdin, when non-nil, is written to the worker's standard input.
	Stdin []byte
}

// Handle is the live capability over a launched worker.
type Handle interface {
	PID() int
	PGID() int
	// Events yields output chunks followed by exactly one Exit event, then closes.
	Events() <-chan Event
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// IsGone reports whether err means the target process group no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
