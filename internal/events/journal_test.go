package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sessions.jsonl")
	j, err := NewJournal(path, 0)
	require.NoError(t, err)

	require.NoError(t, j.Record(Event{
		Type:      EventSessionStarted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"session_id": "sess_1771722000_a3f2b7c1", "status": "running", "pid": 42},
	}))
	require.NoError(t, j.Record(Event{
		Type:      EventSessionFinished,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"session_id": "sess_1771722000_a3f2b7c1", "status": "completed"},
	}))
	require.NoError(t, j.Close())

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "session_started", entries[0].EventType)
	assert.Equal(t, "running", entries[0].Status)
	assert.Equal(t, "sess_1771722000_a3f2b7c1", entries[1].SessionID)
	assert.Equal(t, "completed", entries[1].Status)
}

func TestJournal_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")

	for i := 0; i < 2; i++ {
		j, err := NewJournal(path, 0)
		require.NoError(t, err)
		require.NoError(t, j.Write(&JournalEntry{EventType: "session_finished"}))
		require.NoError(t, j.Close())
	}

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.jsonl")
	j, err := NewJournal(path, 200)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Write(&JournalEntry{
			EventType: "session_finished",
			SessionID: "sess_1771722000_a3f2b7c1",
			Status:    "completed",
		}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, archiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))
}

func TestJournal_WriteAfterClose(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "sessions.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Error(t, j.Write(&JournalEntry{EventType: "x"}))
	assert.NoError(t, j.Close())
}

func TestJournal_Attach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")
	j, err := NewJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	bus := NewBus(10)
	defer bus.Close()
	detach := j.Attach(bus, func(err error) { t.Errorf("journal: %v", err) })
	defer detach()

	bus.Publish(EventSessionFinished, map[string]any{"session_id": "sess_1771722000_a3f2b7c1", "status": "failed"})

	require.Eventually(t, func() bool {
		entries, err := ReadJournal(path)
		return err == nil && len(entries) == 1 && entries[0].Status == "failed"
	}, time.Second, 10*time.Millisecond)
}
