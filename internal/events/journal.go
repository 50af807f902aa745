package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 50 * 1024 * 1024
	journalExt            = ".jsonl"
	archiveDir            = "archive"
)

// JournalEntry is one line of the session journal.
type JournalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal is an append-only JSONL record of session transitions, rotated into
// an archive directory once it grows past maxSize.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func NewJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = st.Size()
	return nil
}

// Record appends an entry built from a bus event.
func (j *Journal) Record(e Event) error {
	entry := JournalEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		SessionID: e.SessionID(),
		Details:   e.Data,
	}
	if s, ok := e.Data["status"].(string); ok {
		entry.Status = s
	}
	return j.Write(&entry)
}

func (j *Journal) Write(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize+int64(len(data)) > j.maxSize && j.currentSize > 0 {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	dir := filepath.Join(filepath.Dir(j.path), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	j.rotations++
	base := filepath.Base(j.path)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(filepath.Ext(base))],
		time.Now().Format("20060102_150405"),
		j.rotations,
		journalExt)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

// Attach records every event published on bus. The returned function
// detaches the journal.
func (j *Journal) Attach(bus *Bus, onError func(error)) func() {
	return bus.Subscribe(func(e Event) {
		if err := j.Record(e); err != nil && onError != nil {
			onError(err)
		}
	})
}

// ReadJournal returns every well-formed entry in the journal at path.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e JournalEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
