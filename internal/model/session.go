package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	FileTypeSessionStatus = "session_status"
	FileTypeSessionResult = "session_result"
	FileTypeQueueBacklog  = "queue_backlog"
)

// TaskDescriptor is the caller-supplied description of the work to delegate.
type TaskDescriptor struct {
	Prompt    string `yaml:"prompt" json:"prompt" validate:"required"`
	WorkDir   string `yaml:"work_dir" json:"work_dir" validate:"omitempty,dir"`
	ProjectID string `yaml:"project_id" json:"project_id" validate:"omitempty,max=128"`
	TaskType  string `yaml:"task_type" json:"task_type" validate:"omitempty,max=64"`
}

// Validate checks a task before admission. WorkDir, when set, must be an
// absolute path to an existing directory.
func (t TaskDescriptor) Validate() error {
	if strings.TrimSpace(t.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if t.WorkDir != "" && !filepath.IsAbs(t.WorkDir) {
		return fmt.Errorf("work_dir must be absolute: %q", t.WorkDir)
	}
	if err := validate.Struct(t); err != nil {
		return describe(err)
	}
	return nil
}

// Summary returns the first line of the prompt, cut to max runes.
func (t TaskDescriptor) Summary(max int) string {
	line := strings.TrimSpace(t.Prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return Truncate(line, max)
}

// Truncate cuts s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// SessionRecord is the durable status document of one session.
type SessionRecord struct {
	SchemaVersion int            `yaml:"schema_version" json:"-"`
	FileType      string         `yaml:"file_type" json:"-"`
	ID            string         `yaml:"id" json:"id"`
	Status        Status         `yaml:"status" json:"status"`
	Task          TaskDescriptor `yaml:"task" json:"task"`
	TaskSummary   string         `yaml:"task_summary" json:"task_summary"`
	CreatedAt     time.Time      `yaml:"created_at" json:"created_at"`
	StartedAt     *time.Time     `yaml:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `yaml:"completed_at" json:"completed_at,omitempty"`
	PID           int            `yaml:"pid" json:"pid,omitempty"`
	ExitCode      *int           `yaml:"exit_code" json:"exit_code,omitempty"`
	KillReason    *KillReason    `yaml:"kill_reason" json:"kill_reason,omitempty"`
	Error         string         `yaml:"error,omitempty" json:"error,omitempty"`
	UpdatedAt     time.Time      `yaml:"updated_at" json:"updated_at"`
}

// SortTime is the start time, or the creation time for sessions that never started.
func (r *SessionRecord) SortTime() time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

// SessionResult is written once, when a session reaches a terminal state.
type SessionResult struct {
	SchemaVersion int       `yaml:"schema_version" json:"-"`
	FileType      string    `yaml:"file_type" json:"-"`
	SessionID     string    `yaml:"session_id" json:"session_id"`
	Status        Status    `yaml:"status" json:"status"`
	Success       bool      `yaml:"success" json:"success"`
	ExitCode      int       `yaml:"exit_code" json:"exit_code"`
	Output        string    `yaml:"output" json:"output"`
	Error         string    `yaml:"error,omitempty" json:"error,omitempty"`
	CompletedAt   time.Time `yaml:"completed_at" json:"completed_at"`
}

// SessionView is what callers see when they ask about a session.
type SessionView struct {
	SessionRecord `yaml:",inline"`
	// Live is true while this controller holds the worker's process handle.
	Live bool `json:"live"`
	// Indeterminate marks a non-terminal record with no live process, found at startup.
	Indeterminate bool `json:"indeterminate"`
}

// SessionFilter narrows List results. Zero fields match everything.
type SessionFilter struct {
	Status    Status `json:"status,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

func (f SessionFilter) Match(r *SessionRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ProjectID != "" && r.Task.ProjectID != f.ProjectID {
		return false
	}
	return true
}
