// Package logging builds the zerolog loggers used by the daemon and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a config level name onto a zerolog level. Unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a logger writing JSON lines to w at the given level.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// NewConsole returns a human-readable logger, used by CLI commands.
func NewConsole(w io.Writer, level string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// OpenFile opens (appending) the log file at stateDir/logs/name and returns a
// logger on it together with the file to close on shutdown.
func OpenFile(stateDir, name, level string) (zerolog.Logger, io.Closer, error) {
	logPath := filepath.Join(stateDir, "logs", name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return New(f, level), f, nil
}
