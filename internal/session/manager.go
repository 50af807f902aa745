// Package session owns the registry of delegated worker sessions: admission
// against the concurrency cap, worker lifecycle, durable status, and recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/delegator/internal/events"
	"github.com/msageha/delegator/internal/lock"
	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/process"
	"github.com/msageha/delegator/internal/prompt"
	"github.com/msageha/delegator/internal/store"
)

// EnvSessionID is set in every worker's environment.
const EnvSessionID = "DELEGATOR_SESSION_ID"

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
	summaryLength   = 120
)

type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	Retention     time.Duration
	KillGrace     time.Duration
	Worker        model.WorkerConfig
}

func ConfigFrom(cfg model.Config) Config {
	cfg = cfg.WithDefaults()
	return Config{
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		Timeout:       cfg.Sessions.Timeout(),
		Retention:     cfg.Sessions.Retention(),
		KillGrace:     cfg.Sessions.KillGrace(),
		Worker:        cfg.Worker,
	}
}

// session is one entry of the hot table.
type session struct {
	mu     sync.Mutex
	rec    model.SessionRecord
	output strings.Builder
	handle process.Handle

	timeout  *time.Timer
	escalate *time.Timer

	// orphan marks a non-terminal record recovered without a process handle.
	orphan bool
	// dirty marks an in-memory state the store has not caught up with.
	dirty  bool
	result *model.SessionResult

	// counted is guarded by Manager.mu.
	counted bool
}

func (s *session) view() *model.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.SessionView{
		SessionRecord: s.rec,
		Live:          s.handle != nil,
		Indeterminate: s.orphan,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	store    store.Store
	launcher process.Launcher
	builder  *prompt.Builder
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	live     int
	closed   bool

	writes *lock.KeyedMutex
	reads  singleflight.Group
	wg     sync.WaitGroup
}

// NewManager builds a manager and runs recovery over the store. bus may be nil.
func NewManager(cfg Config, st store.Store, launcher process.Launcher, bus *events.Bus, logger zerolog.Logger) (*Manager, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent sessions must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.Worker.Command == "" {
		return nil, fmt.Errorf("worker command is empty")
	}
	builder, err := prompt.NewBuilder(cfg.Worker.Template)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		launcher: launcher,
		builder:  builder,
		bus:      bus,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
		writes:   lock.NewKeyedMutex(),
	}
	if _, err := m.Recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// Running returns the number of admitted sessions holding a slot.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) Capacity() int { return m.cfg.MaxConcurrent }

func (m *Manager) hot(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Spawn admits task and launches its worker. It returns as soon as the worker
// is running; it never waits for the worker to finish.
//
// Errors: ErrCapacity when the cap is reached, ErrStorage when the initial
// record cannot be written, and a *SpawnError (matching ErrLaunch) when the
// worker could not be started. In the last case the session exists as failed.
func (m *Manager) Spawn(ctx context.Context, task model.TaskDescriptor) (string, error) {
	id, err := m.allocateID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := m.now()
	s := &session{rec: model.SessionRecord{
		ID:          id,
		Status:      model.StatusPending,
		Task:        task,
		TaskSummary: task.Summary(summaryLength),
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.live >= m.cfg.MaxConcurrent {
		live := m.live
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d/%d)", ErrCapacity, live, m.cfg.MaxConcurrent)
	}
	if _, taken := m.sessions[id]; taken {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: id collision %s", ErrStorage, id)
	}
	m.live++
	s.counted = true
	m.sessions[id] = s
	m.mu.Unlock()

	// No process may start before its session has a durable trace.
	rec := s.rec
	if err := m.saveStatus(&rec); err != nil {
		m.drop(s)
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	log := m.logger.With().Str("session_id", id).Logger()

	payload, err := m.builder.Build(task)
	if err != nil {
		m.transition(s, model.StatusSpawning, nil)
		m.failLaunch(s, err)
		return id, &SpawnError{SessionID: id, Err: err}
	}

	m.transition(s, model.StatusSpawning, nil)
	h, err := m.launcher.Launch(ctx, m.processSpec(id, task, payload))
	if err != nil {
		log.Error().Err(err).Msg("worker launch failed")
		m.failLaunch(s, err)
		return id, &SpawnError{SessionID: id, Err: err}
	}

	s.mu.Lock()
	started := m.now()
	next := s.rec
	next.Status = model.StatusRunning
	next.StartedAt = &started
	next.PID = h.PID()
	next.UpdatedAt = started
	s.handle = h
	s.rec = next
	if err := m.saveStatus(&next); err != nil {
		s.dirty = true
		log.Warn().Err(err).Msg("persist running status failed")
	}
	if m.cfg.Timeout > 0 {
		s.timeout = time.AfterFunc(m.cfg.Timeout, func() {
			if m.Kill(id, model.KillReasonTimeout) {
				log.Warn().Dur("timeout", m.cfg.Timeout).Msg("session timed out")
			}
		})
	}
	s.mu.Unlock()

	m.wg.Add(1)
	go m.consume(s, h)

	log.Info().Int("pid", next.PID).Str("project_id", task.ProjectID).Msg("session started")
	m.bus.Publish(events.EventSessionStarted, map[string]any{
		"session_id": id,
		"status":     string(model.StatusRunning),
		"pid":        next.PID,
		"project_id": task.ProjectID,
	})
	return id, nil
}

func (m *Manager) processSpec(id string, task model.TaskDescriptor, payload string) process.Spec {
	spec := process.Spec{
		Command: m.cfg.Worker.Command,
		Args:    append([]string(nil), m.cfg.Worker.Args...),
		Dir:     task.WorkDir,
		Env:     []string{EnvSessionID + "=" + id},
	}
	if m.cfg.Worker.PayloadMode == model.PayloadModeStdin {
		spec.Stdin = []byte(payload)
	} else {
		spec.Args = append(spec.Args, payload)
	}
	return spec
}

// allocateID returns an id unknown to both the hot table and the store.
func (m *Manager) allocateID() (string, error) {
	for i := 0; i < 5; i++ {
		id, err := model.NewSessionID(m.now())
		if err != nil {
			return "", err
		}
		if m.hot(id) != nil {
			continue
		}
		exists, err := m.store.Exists(id)
		if err != nil {
			return "", fmt.Errorf("check id %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique session id")
}

// transition moves s to a non-terminal status and persists it. Persist
// failures are logged and leave s dirty; memory stays authoritative.
func (m *Manager) transition(s *session, to model.Status, apply func(*model.SessionRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := model.ValidateSessionTransition(s.rec.Status, to); err != nil {
		m.logger.Error().Err(err).Str("session_id", s.rec.ID).Msg("rejected transition")
		return false
	}
	next := s.rec
	next.Status = to
	next.UpdatedAt = m.now()
	if apply != nil {
		apply(&next)
	}
	s.rec = next
	if err := m.saveStatus(&next); err != nil {
		s.dirty = true
		m.logger.Warn().Err(err).Str("session_id", next.ID).Str("status", string(to)).Msg("persist status failed")
	}
	return true
}

func (m *Manager) failLaunch(s *session, cause error) {
	s.mu.Lock()
	if err := model.ValidateSessionTransition(s.rec.Status, model.StatusFailed); err != nil {
		s.mu.Unlock()
		return
	}
	m.finishLocked(s, model.StatusFailed, -1, nil, "launch: "+cause.Error())
	s.mu.Unlock()
	m.settle(s)
}

// finishLocked commits a terminal transition and writes the result document.
// Caller holds s.mu.
func (m *Manager) finishLocked(s *session, status model.Status, exitCode int, reason *model.KillReason, diag string) {
	completed := m.now()
	code := exitCode
	next := s.rec
	next.Status = status
	next.CompletedAt = &completed
	next.ExitCode = &code
	next.KillReason = reason
	next.Error = diag
	next.UpdatedAt = completed
	s.rec = next

	s.result = &model.SessionResult{
		SessionID:   next.ID,
		Status:      status,
		Success:     status == model.StatusCompleted,
		ExitCode:    code,
		Output:      s.output.String(),
		Error:       diag,
		CompletedAt: completed,
	}
	if s.timeout != nil {
		s.timeout.Stop()
	}
	if err := m.flushLocked(s); err != nil {
		m.logger.Warn().Err(err).Str("session_id", next.ID).Msg("persist terminal state failed, will retry")
	}
}

// flushLocked writes the current status and, once terminal, the result.
func (m *Manager) flushLocked(s *session) error {
	rec := s.rec
	if err := m.saveStatus(&rec); err != nil {
		s.dirty = true
		return err
	}
	if s.result != nil {
		if err := m.saveResult(s.result); err != nil {
			s.dirty = true
			return err
		}
	}
	s.dirty = false
	return nil
}

// settle runs after a terminal transition: it frees the slot, announces the
// outcome, and evicts the session once nothing else needs it in memory.
func (m *Manager) settle(s *session) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()

	m.mu.Lock()
	if s.counted {
		s.counted = false
		m.live--
	}
	m.mu.Unlock()

	m.logger.Info().Str("session_id", rec.ID).Str("status", string(rec.Status)).Msg("session finished")
	data := map[string]any{
		"session_id": rec.ID,
		"status":     string(rec.Status),
		"project_id": rec.Task.ProjectID,
		"summary":    rec.TaskSummary,
	}
	if rec.ExitCode != nil {
		data["exit_code"] = *rec.ExitCode
	}
	m.bus.Publish(events.EventSessionFinished, data)
	m.maybeEvict(s)
}

// maybeEvict removes a terminal, handle-free, fully persisted session from the
// hot table; its durable record answers from then on.
func (m *Manager) maybeEvict(s *session) {
	s.mu.Lock()
	done := model.IsTerminal(s.rec.Status) && s.handle == nil && !s.dirty
	id := s.rec.ID
	s.mu.Unlock()
	if !done {
		return
	}
	m.mu.Lock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// drop forgets a session that never got a durable record.
func (m *Manager) drop(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.counted {
		s.counted = false
		m.live--
	}
	delete(m.sessions, s.rec.ID)
}

// consume is the single reader of a worker's events.
func (m *Manager) consume(s *session, h process.Handle) {
	defer m.wg.Done()
	for ev := range h.Events() {
		switch ev.Kind {
		case process.EventOutput:
			m.appendOutput(s, ev.Data)
		case process.EventExit:
			m.handleExit(s, ev)
		}
	}
}

func (m *Manager) appendOutput(s *session, chunk []byte) {
	s.mu.Lock()
	s.output.Write(chunk)
	id := s.rec.ID
	s.mu.Unlock()

	defer m.writes.Lock(id)()
	if err := retry(func() error { return m.store.AppendOutput(id, chunk) }); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Int("bytes", len(chunk)).Msg("persist output failed")
	}
}

func (m *Manager) handleExit(s *session, ev process.Event) {
	s.mu.Lock()
	s.handle = nil
	if s.escalate != nil {
		s.escalate.Stop()
	}
	if model.IsTerminal(s.rec.Status) {
		// Killed or timed out first; that outcome stands.
		s.mu.Unlock()
		m.maybeEvict(s)
		return
	}
	status := model.StatusCompleted
	diag := ""
	if ev.ExitCode != 0 || ev.Err != nil {
		status = model.StatusFailed
	}
	if ev.Err != nil {
		diag = ev.Err.Error()
	}
	m.finishLocked(s, status, ev.ExitCode, nil, diag)
	s.mu.Unlock()
	m.settle(s)
}

// Kill terminates a running session's whole process group and records it as
// killed or timed out. It returns false when the session is not running under
// this manager, or when the worker turns out to have exited already.
func (m *Manager) Kill(id string, reason model.KillReason) bool {
	s := m.hot(id)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.rec.Status != model.StatusRunning || s.handle == nil {
		s.mu.Unlock()
		return false
	}
	h := s.handle
	log := m.logger.With().Str("session_id", id).Str("reason", string(reason)).Logger()

	if err := h.Signal(syscall.SIGTERM); err != nil {
		s.mu.Unlock()
		if !process.IsGone(err) {
			log.Error().Err(err).Msg("signal process group failed")
		}
		return false
	}

	r := reason
	m.finishLocked(s, model.StatusForReason(reason), -1, &r, "")
	if m.cfg.KillGrace > 0 {
		s.escalate = time.AfterFunc(m.cfg.KillGrace, func() {
			s.mu.Lock()
			h := s.handle
			s.mu.Unlock()
			if h == nil {
				return
			}
			if err := h.Signal(syscall.SIGKILL); err != nil && !process.IsGone(err) {
				log.Error().Err(err).Msg("SIGKILL process group failed")
				return
			}
			log.Warn().Msg("worker ignored SIGTERM, sent SIGKILL")
		})
	}
	s.mu.Unlock()

	log.Info().Int("pgid", h.PGID()).Msg("session killed")
	m.settle(s)
	return true
}

// CheckStatus returns the last known state of a session, or nil when the id is
// unknown. It never waits on the worker.
func (m *Manager) CheckStatus(id string) (*model.SessionView, error) {
	if s := m.hot(id); s != nil {
		return s.view(), nil
	}
	v, err, _ := m.reads.Do(id, func() (any, error) {
		return m.store.LoadStatus(id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rec := *v.(*model.SessionRecord)
	return &model.SessionView{SessionRecord: rec}, nil
}

// GetResult returns the result document, or nil while the session is not terminal.
func (m *Manager) GetResult(id string) (*model.SessionResult, error) {
	if s := m.hot(id); s != nil {
		s.mu.Lock()
		res := s.result
		s.mu.Unlock()
		if res != nil {
			cp := *res
			return &cp, nil
		}
	}
	res, err := m.store.LoadResult(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return res, err
}

// GetOutput returns everything the worker has written so far.
func (m *Manager) GetOutput(id string) (string, error) {
	if s := m.hot(id); s != nil {
		s.mu.Lock()
		orphan := s.orphan
		out := s.output.String()
		s.mu.Unlock()
		if !orphan {
			return out, nil
		}
	}
	return m.store.ReadOutput(id)
}

// FlushPending retries durable writes that failed earlier. It returns how many
// sessions are still behind.
func (m *Manager) FlushPending() int {
	m.mu.Lock()
	hot := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		hot = append(hot, s)
	}
	m.mu.Unlock()

	behind := 0
	for _, s := range hot {
		s.mu.Lock()
		if !s.dirty {
			s.mu.Unlock()
			continue
		}
		err := m.flushLocked(s)
		id := s.rec.ID
		s.mu.Unlock()
		if err != nil {
			behind++
			m.logger.Warn().Err(err).Str("session_id", id).Msg("re-flush failed")
			continue
		}
		m.maybeEvict(s)
	}
	return behind
}

// Close kills every running worker and waits, bounded by ctx, for their exit
// events. Output capture needs this process, so workers do not outlive it.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var ids []string
	for id, s := range m.sessions {
		if !s.orphan {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Kill(id, model.KillReasonManual)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
	m.FlushPending()
	return nil
}

func (m *Manager) saveStatus(rec *model.SessionRecord) error {
	defer m.writes.Lock(rec.ID)()
	return retry(func() error { return m.store.SaveStatus(rec) })
}

func (m *Manager) saveResult(res *model.SessionResult) error {
	defer m.writes.Lock(res.SessionID)()
	return retry(func() error { return m.store.SaveResult(res) })
}

func retry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * persistBackoff)
		}
	}
	return err
}
