package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusSpawning  Status = "spawning"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusTimeout   Status = "timeout"
)

// KillReason distinguishes operator kills from timeout enforcement.
type KillReason string

const (
	KillReasonManual  KillReason = "killed"
	KillReasonTimeout KillReason = "timeout"
)

var knownStatuses = map[Status]bool{
	StatusPending:   true,
	StatusSpawning:  true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusKilled:    true,
	StatusTimeout:   true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusKilled:    true,
	StatusTimeout:   true,
}

// Session transitions: pending → spawning → running → terminal.
// spawning → failed covers a worker that could not be launched.
var validSessionTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusSpawning: true,
	},
	StatusSpawning: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
		StatusTimeout:   true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsKnownStatus(s Status) bool {
	return knownStatuses[s]
}

// ParseStatus accepts a status name from user input.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func ValidateSessionTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition: %q → %q", from, to)
	}
	return nil
}

// StatusForReason maps a kill reason onto its terminal status.
func StatusForReason(r KillReason) Status {
	if r == KillReasonTimeout {
		return StatusTimeout
	}
	return StatusKilled
}
