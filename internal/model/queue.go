package model

import "time"

// QueueEntry is a task waiting for admission. Its ID is queue-local.
type QueueEntry struct {
	ID         string         `yaml:"id" json:"id"`
	Task       TaskDescriptor `yaml:"task" json:"task"`
	EnqueuedAt time.Time      `yaml:"enqueued_at" json:"enqueued_at"`
}

// QueueBacklog is the persisted form of the delegation queue.
type QueueBacklog struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Entries       []QueueEntry `yaml:"entries"`
	UpdatedAt     time.Time    `yaml:"updated_at"`
}

// EnqueueResult reports whether a submitted task started right away or was queued.
type EnqueueResult struct {
	Queued    bool   `json:"queued"`
	SessionID string `json:"session_id,omitempty"`
	QueueID   string `json:"queue_id,omitempty"`
	Position  int    `json:"position,omitempty"`
}

type QueueStatus struct {
	Length   int                `json:"length"`
	Draining bool               `json:"draining"`
	Entries  []QueueEntryStatus `json:"entries"`
}

type QueueEntryStatus struct {
	QueueID    string    `json:"queue_id"`
	Position   int       `json:"position"`
	Preview    string    `json:"preview"`
	ProjectID  string    `json:"project_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
