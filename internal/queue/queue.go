// Package queue absorbs capacity rejections from the session manager into a
// FIFO backlog and drains it as slots free up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/events"
	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/session"
	yamlutil "github.com/msageha/delegator/internal/yaml"
)

var ErrClosed = errors.New("queue closed")

// Spawner admits a task or refuses it with session.ErrCapacity.
type Spawner interface {
	Spawn(ctx context.Context, task model.TaskDescriptor) (string, error)
}

type Config struct {
	Backoff       time.Duration
	PreviewLength int
	// Path of the persisted backlog; empty keeps the backlog in memory only.
	Path string
}

func ConfigFrom(cfg model.Config, stateDir string) Config {
	cfg = cfg.WithDefaults()
	c := Config{
		Backoff:       cfg.Queue.Backoff(),
		PreviewLength: cfg.Queue.PreviewLength,
	}
	if cfg.Queue.Persist {
		c.Path = filepath.Join(stateDir, "queue.yaml")
	}
	return c
}

// Queue is safe for concurrent use. At most one drain loop runs at a time.
type Queue struct {
	cfg     Config
	spawner Spawner
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	entries  []model.QueueEntry
	draining bool
	closed   bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

// New returns a queue over sp, reloading a persisted backlog if one exists.
// When bus is non-nil, finished sessions wake the drain loop before its backoff
// expires.
func New(cfg Config, sp Spawner, bus *events.Bus, logger zerolog.Logger) (*Queue, error) {
	if cfg.Backoff <= 0 {
		return nil, fmt.Errorf("queue backoff must be positive, got %s", cfg.Backoff)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		spawner: sp,
		bus:     bus,
		logger:  logger.With().Str("component", "queue").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	entries, err := q.load()
	if err != nil {
		cancel()
		return nil, err
	}
	q.entries = entries

	if bus != nil {
		q.unsub = bus.Subscribe(func(events.Event) { q.notify() }, events.EventSessionFinished)
	}

	if len(q.entries) > 0 {
		q.logger.Info().Int("entries", len(q.entries)).Msg("reloaded queue backlog")
		q.mu.Lock()
		q.startDrainLocked()
		q.mu.Unlock()
	}
	return q, nil
}

// Enqueue admits task right away when nothing is waiting ahead of it, and
// otherwise appends it to the backlog. Errors other than capacity come back
// unchanged and nothing is queued.
func (q *Queue) Enqueue(ctx context.Context, task model.TaskDescriptor) (model.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return model.EnqueueResult{}, ErrClosed
	}

	if len(q.entries) == 0 {
		id, err := q.spawner.Spawn(ctx, task)
		if err == nil {
			return model.EnqueueResult{Queued: false, SessionID: id}, nil
		}
		if !errors.Is(err, session.ErrCapacity) {
			return model.EnqueueResult{}, err
		}
	}

	entry := model.QueueEntry{
		ID:         uuid.NewString(),
		Task:       task,
		EnqueuedAt: q.now(),
	}
	q.entries = append(q.entries, entry)
	q.persistLocked()
	q.startDrainLocked()

	q.logger.Info().Str("queue_id", entry.ID).Int("position", len(q.entries)).Msg("task queued")
	return model.EnqueueResult{
		Queued:   true,
		QueueID:  entry.ID,
		Position: len(q.entries),
	}, nil
}

// Cancel removes a still-queued entry.
func (q *Queue) Cancel(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == queueID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.persistLocked()
			q.logger.Info().Str("queue_id", queueID).Msg("queued task cancelled")
			return true
		}
	}
	return false
}

func (q *Queue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := model.QueueStatus{
		Length:   len(q.entries),
		Draining: q.draining,
		Entries:  make([]model.QueueEntryStatus, 0, len(q.entries)),
	}
	for i, e := range q.entries {
		st.Entries = append(st.Entries, model.QueueEntryStatus{
			QueueID:    e.ID,
			Position:   i + 1,
			Preview:    e.Task.Summary(q.cfg.PreviewLength),
			ProjectID:  e.Task.ProjectID,
			EnqueuedAt: e.EnqueuedAt,
		})
	}
	return st
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the drain loop. A persisted backlog stays on disk for the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if q.unsub != nil {
		q.unsub()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) startDrainLocked() {
	if q.draining || q.closed || len(q.entries) == 0 {
		return
	}
	q.draining = true
	q.wg.Add(1)
	go q.drain()
}

// drain admits the head entry until the backlog is empty. The head is never
// skipped on capacity errors, so admission order is enqueue order.
func (q *Queue) drain() {
	defer q.wg.Done()
	log := q.logger

	timer := time.NewTimer(q.cfg.Backoff)
	timer.Stop()
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed || len(q.entries) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		head := q.entries[0]
		id, err := q.spawner.Spawn(q.ctx, head.Task)

		switch {
		case err == nil:
			q.popLocked()
			q.mu.Unlock()
			log.Info().Str("queue_id", head.ID).Str("session_id", id).
				Dur("waited", q.now().Sub(head.EnqueuedAt)).Msg("queued task admitted")
			q.bus.Publish(events.EventSessionAdmitted, map[string]any{
				"session_id": id,
				"queue_id":   head.ID,
			})
			continue

		case errors.Is(err, session.ErrCapacity):
			q.mu.Unlock()

		case errors.Is(err, session.ErrClosed):
			q.draining = false
			q.mu.Unlock()
			return

		default:
			q.popLocked()
			q.mu.Unlock()
			log.Error().Err(err).Str("queue_id", head.ID).Msg("dropping queued task")
			data := map[string]any{"queue_id": head.ID, "error": err.Error()}
			var spawnErr *session.SpawnError
			if errors.As(err, &spawnErr) {
				data["session_id"] = spawnErr.SessionID
			}
			q.bus.Publish(events.EventQueueDropped, data)
			continue
		}

		timer.Reset(q.cfg.Backoff)
		select {
		case <-timer.C:
		case <-q.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-q.ctx.Done():
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) popLocked() {
	q.entries = q.entries[1:]
	q.persistLocked()
}

func (q *Queue) persistLocked() {
	if q.cfg.Path == "" {
		return
	}
	doc := model.QueueBacklog{
		SchemaVersion: yamlutil.SchemaVersion,
		FileType:      model.FileTypeQueueBacklog,
		Entries:       q.entries,
		UpdatedAt:     q.now(),
	}
	if doc.Entries == nil {
		doc.Entries = []model.QueueEntry{}
	}
	if err := yamlutil.AtomicWrite(q.cfg.Path, &doc); err != nil {
		q.logger.Warn().Err(err).Msg("persist queue backlog failed")
	}
}

func (q *Queue) load() ([]model.QueueEntry, error) {
	if q.cfg.Path == "" {
		return nil, nil
	}
	var doc model.QueueBacklog
	err := yamlutil.LoadDoc(q.cfg.Path, model.FileTypeQueueBacklog, &doc)
	if errors.Is(err, yamlutil.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		// The backlog file lives directly in the state directory.
		restored, rerr := yamlutil.Recover(filepath.Dir(q.cfg.Path), q.cfg.Path, model.FileTypeQueueBacklog)
		if rerr != nil {
			return nil, fmt.Errorf("recover queue backlog: %w", rerr)
		}
		q.logger.Warn().Err(err).Bool("restored", restored).Msg("queue backlog was corrupt")
		if !restored {
			return nil, nil
		}
		doc = model.QueueBacklog{}
		if err := yamlutil.Load(q.cfg.Path, &doc); err != nil {
			return nil, fmt.Errorf("load restored queue backlog: %w", err)
		}
	}
	return doc.Entries, nil
}
