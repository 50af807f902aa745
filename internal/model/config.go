// Package model defines the data structures for delegator's configuration, sessions, and queue entries.
package model

import (
	"fmt"
	"time"
)

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Sessions SessionsConfig `yaml:"sessions"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Root    string `yaml:"root"`
	Created string `yaml:"created"`
}

type SessionsConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent" validate:"gte=1"`
	TimeoutSec     int `yaml:"timeout_sec" validate:"gte=1"`
	RetentionHours int `yaml:"retention_hours" validate:"gte=0"`
	KillGraceSec   int `yaml:"kill_grace_sec" validate:"gte=1"`
}

type QueueConfig struct {
	BackoffMs     int  `yaml:"backoff_ms" validate:"gte=1"`
	PreviewLength int  `yaml:"preview_length" validate:"gte=1"`
	Persist       bool `yaml:"persist"`
}

// PayloadMode selects how the instruction payload reaches the worker.
type PayloadMode string

const (
	PayloadModeArg   PayloadMode = "arg"
	PayloadModeStdin PayloadMode = "stdin"
)

type WorkerConfig struct {
	Command     string      `yaml:"command" validate:"required"`
	Args        []string    `yaml:"args"`
	PayloadMode PayloadMode `yaml:"payload_mode" validate:"oneof=arg stdin"`
	// Template overrides the embedded instruction template when set.
	Template string `yaml:"template,omitempty"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=files sqlite"`
	Path   string `yaml:"path,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec     int `yaml:"shutdown_timeout_sec" validate:"gte=1"`
	MaintenanceIntervalSec int `yaml:"maintenance_interval_sec" validate:"gte=1"`
	// Notify raises a desktop notification when a session finishes (macOS only).
	Notify bool `yaml:"notify"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

// WithDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.Sessions.MaxConcurrent <= 0 {
		cfg.Sessions.MaxConcurrent = 3
	}
	if cfg.Sessions.TimeoutSec <= 0 {
		cfg.Sessions.TimeoutSec = 1800
	}
	if cfg.Sessions.RetentionHours < 0 {
		cfg.Sessions.RetentionHours = 0
	}
	if cfg.Sessions.KillGraceSec <= 0 {
		cfg.Sessions.KillGraceSec = 5
	}
	if cfg.Queue.BackoffMs <= 0 {
		cfg.Queue.BackoffMs = 5000
	}
	if cfg.Queue.PreviewLength <= 0 {
		cfg.Queue.PreviewLength = 100
	}
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = "claude"
		if cfg.Worker.Args == nil {
			cfg.Worker.Args = []string{"-p", "--dangerously-skip-permissions"}
		}
	}
	if cfg.Worker.PayloadMode == "" {
		cfg.Worker.PayloadMode = PayloadModeArg
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "files"
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
	if cfg.Daemon.MaintenanceIntervalSec <= 0 {
		cfg.Daemon.MaintenanceIntervalSec = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

func (c SessionsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c SessionsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c SessionsConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSec) * time.Second
}

func (c QueueConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// Validate checks a config that has been through WithDefaults.
func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", describe(err))
	}
	return nil
}
