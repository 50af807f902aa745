package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/process"
	"github.com/msageha/delegator/internal/store"
)

// shManager runs workers as `/bin/sh -c script`; the payload lands in $0.
func shManager(t *testing.T, script string, timeout time.Duration) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	cfg := Config{
		MaxConcurrent: 2,
		Timeout:       timeout,
		Retention:     time.Hour,
		KillGrace:     200 * time.Millisecond,
		Worker: model.WorkerConfig{
			Command:     "/bin/sh",
			Args:        []string{"-c", script},
			PayloadMode: model.PayloadModeArg,
		},
	}
	m, err := NewManager(cfg, st, process.NewExecLauncher(), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, st
}

func waitResult(t *testing.T, m *Manager, id string) *model.SessionResult {
	t.Helper()
	var res *model.SessionResult
	require.Eventually(t, func() bool {
		r, err := m.GetResult(id)
		res = r
		return err == nil && r != nil
	}, 10*time.Second, 10*time.Millisecond)
	return res
}

func TestExecWorker_ExitZero(t *testing.T) {
	m, st := shManager(t, `echo "working on $DELEGATOR_SESSION_ID"; exit 0`, time.Minute)

	id, err := m.Spawn(context.Background(), task("succeed"))
	require.NoError(t, err)

	res := waitResult(t, m, id)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "working on "+id)

	waitStatus(t, m, id, model.StatusCompleted)
	out, err := st.ReadOutput(id)
	require.NoError(t, err)
	assert.Contains(t, out, "working on "+id)
}

func TestExecWorker_ExitTwo(t *testing.T) {
	m, _ := shManager(t, `echo "bad input" >&2; exit 2`, time.Minute)

	id, err := m.Spawn(context.Background(), task("fail"))
	require.NoError(t, err)

	res := waitResult(t, m, id)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Output, "bad input")
	waitStatus(t, m, id, model.StatusFailed)
}

func TestExecWorker_TimeoutSignalsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	script := "sleep 60 & echo $! > " + pidFile + "; wait"
	timeout := 300 * time.Millisecond
	m, _ := shManager(t, script, timeout)

	start := time.Now()
	id, err := m.Spawn(context.Background(), task("too slow"))
	require.NoError(t, err)

	v := waitStatus(t, m, id, model.StatusTimeout)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+3*time.Second)
	require.NotNil(t, v.KillReason)
	assert.Equal(t, model.KillReasonTimeout, *v.KillReason)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	grandchild, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	// The subprocess spawned by the worker is signalled with it.
	assert.Eventually(t, func() bool {
		return !processAlive(grandchild)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecWorker_LaunchFailure(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Worker.Command = "/nonexistent/delegator-worker"
	m, err := NewManager(cfg, st, process.NewExecLauncher(), nil, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close(context.Background())

	id, err := m.Spawn(context.Background(), task("cannot start"))
	require.ErrorIs(t, err, ErrLaunch)

	rec, err := st.LoadStatus(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return syscall.Kill(pid, 0) == nil
	}
	s := string(data)
	fields := strings.Fields(s[strings.LastIndexByte(s, ')')+1:])
	return len(fields) > 0 && fields[0] != "Z"
}
