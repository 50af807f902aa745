package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/delegator/internal/events"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.input), "input %q", tt.input)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		title   string
		message string
	}{
		{
			name:    "completed",
			data:    map[string]any{"session_id": "sess_1771722000_00000001", "status": "completed", "summary": "fix the flaky test", "project_id": "api"},
			title:   "delegator: task completed",
			message: "[api] fix the flaky test",
		},
		{
			name:    "failed with exit code",
			data:    map[string]any{"session_id": "sess_1771722000_00000002", "status": "failed", "exit_code": 2, "summary": "lint"},
			title:   "delegator: task failed (exit 2)",
			message: "lint",
		},
		{
			name:    "timeout without summary",
			data:    map[string]any{"session_id": "sess_1771722000_00000003", "status": "timeout"},
			title:   "delegator: task timed out",
			message: "sess_1771722000_00000003",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, message := Format(events.Event{Type: events.EventSessionFinished, Data: tt.data})
			assert.Equal(t, tt.title, title)
			assert.Equal(t, tt.message, message)
		})
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) Send(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, title+"|"+message)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestAttach_SendsOnFinishOnly(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	sender := &recordingSender{err: errors.New("no display")}

	detach := Attach(bus, sender, zerolog.Nop())
	bus.Publish(events.EventSessionStarted, map[string]any{"session_id": "a"})
	bus.Publish(events.EventSessionFinished, map[string]any{"session_id": "a", "status": "completed", "summary": "x"})
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	detach()
	bus.Publish(events.EventSessionFinished, map[string]any{"session_id": "b", "status": "failed"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, "delegator: task completed|x", sender.sent[0])
}
