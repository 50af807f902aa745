package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/process"
	"github.com/msageha/delegator/internal/store"
)

// fakeHandle is a worker whose lifetime the test drives.
type fakeHandle struct {
	pid    int
	events chan process.Event

	mu         sync.Mutex
	signals    []syscall.Signal
	exited     bool
	ignoreTerm bool
}

func (h *fakeHandle) PID() int                     { return h.pid }
func (h *fakeHandle) PGID() int                    { return h.pid }
func (h *fakeHandle) Events() <-chan process.Event { return h.events }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return syscall.ESRCH
	}
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTerm && sig == syscall.SIGTERM
	h.mu.Unlock()
	if !ignore {
		go h.exit(128 + int(sig))
	}
	return nil
}

func (h *fakeHandle) output(s string) {
	h.events <- process.Event{Kind: process.EventOutput, Data: []byte(s)}
}

// exit emits the exit event once; later calls are no-ops.
func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()
	h.events <- process.Event{Kind: process.EventExit, ExitCode: code}
	close(h.events)
}

func (h *fakeHandle) received() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

type fakeLauncher struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	specs      []process.Spec
	err        error
	ignoreTerm bool
	nextPID    int
}

func (l *fakeLauncher) Launch(_ context.Context, spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	h := &fakeHandle{
		pid:        10000 + l.nextPID,
		events:     make(chan process.Event, 16),
		ignoreTerm: l.ignoreTerm,
	}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

func (l *fakeLauncher) spec(i int) process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

// recordingStore records every persisted status and can be made to fail.
type recordingStore struct {
	store.Store

	mu      sync.Mutex
	history map[string][]model.Status
	failing atomic.Bool
}

var errInjected = errors.New("injected storage failure")

func (s *recordingStore) SaveStatus(rec *model.SessionRecord) error {
	if s.failing.Load() {
		return errInjected
	}
	if err := s.Store.SaveStatus(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[rec.ID]
	if len(h) == 0 || h[len(h)-1] != rec.Status {
		s.history[rec.ID] = append(h, rec.Status)
	}
	return nil
}

func (s *recordingStore) SaveResult(res *model.SessionResult) error {
	if s.failing.Load() {
		return errInjected
	}
	return s.Store.SaveResult(res)
}

func (s *recordingStore) statuses(id string) []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.history[id]...)
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 2,
		Timeout:       time.Minute,
		Retention:     time.Hour,
		KillGrace:     50 * time.Millisecond,
		Worker: model.WorkerConfig{
			Command:     "worker",
			Args:        []string{"-p"},
			PayloadMode: model.PayloadModeArg,
		},
	}
}

func newFileStore(t *testing.T) *recordingStore {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return &recordingStore{Store: fs, history: make(map[string][]model.Status)}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeLauncher, *recordingStore) {
	t.Helper()
	st := newFileStore(t)
	l := &fakeLauncher{}
	m, err := NewManager(cfg, st, l, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, l, st
}

func task(prompt string) model.TaskDescriptor {
	return model.TaskDescriptor{Prompt: prompt, ProjectID: "alpha", TaskType: "chore"}
}

// waitStatus waits until the session reports want.
func waitStatus(t *testing.T, m *Manager, id string, want model.Status) *model.SessionView {
	t.Helper()
	var last *model.SessionView
	require.Eventually(t, func() bool {
		v, err := m.CheckStatus(id)
		if err != nil || v == nil {
			return false
		}
		last = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
	return last
}
