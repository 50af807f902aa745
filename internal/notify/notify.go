// Package notify raises desktop notifications when delegated sessions finish.
package notify

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/events"
	"github.com/msageha/delegator/internal/model"
)

type Sender interface {
	Send(title, message string) error
}

// OSAScript sends macOS notifications via osascript with sound.
type OSAScript struct{}

func (OSAScript) Send(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Attach sends one notification per finished session until the returned
// function is called. Send failures are logged and otherwise ignored.
func Attach(bus *events.Bus, sender Sender, logger zerolog.Logger) func() {
	log := logger.With().Str("component", "notify").Logger()
	return bus.Subscribe(func(e events.Event) {
		title, message := Format(e)
		if err := sender.Send(title, message); err != nil {
			log.Debug().Err(err).Str("session_id", e.SessionID()).Msg("notification failed")
		}
	}, events.EventSessionFinished)
}

// Format builds the title and body for a session_finished event.
func Format(e events.Event) (title, message string) {
	status, _ := e.Data["status"].(string)
	summary, _ := e.Data["summary"].(string)

	switch model.Status(status) {
	case model.StatusCompleted:
		title = "delegator: task completed"
	case model.StatusTimeout:
		title = "delegator: task timed out"
	case model.StatusKilled:
		title = "delegator: task killed"
	default:
		title = "delegator: task failed"
		if code, ok := e.Data["exit_code"].(int); ok {
			title = fmt.Sprintf("delegator: task failed (exit %d)", code)
		}
	}

	message = model.Truncate(summary, 80)
	if message == "" {
		message = e.SessionID()
	}
	if project, _ := e.Data["project_id"].(string); project != "" {
		message = "[" + project + "] " + message
	}
	return title, message
}
