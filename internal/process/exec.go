package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

// ExecLauncher starts workers with os/exec. Each worker leads a new process
// group so that signals reach any subprocesses it spawns.
type ExecLauncher struct {
	// StripEnv names controller variables hidden from workers.
	StripEnv []string
	// DrainTimeout bounds how long output is read after the worker exits.
	DrainTimeout time.Duration
}

func (l *ExecLauncher) drainTimeout() time.Duration {
	if l.DrainTimeout > 0 {
		return l.DrainTimeout
	}
	return 2 * time.Second
}

func NewExecLauncher(stripEnv ...string) *ExecLauncher {
	return &ExecLauncher{StripEnv: stripEnv}
}

type execHandle struct {
	cmd    *exec.Cmd
	pgid   int
	events chan Event
}

func (h *execHandle) PID() int             { return h.cmd.Process.Pid }
func (h *execHandle) PGID() int            { return h.pgid }
func (h *execHandle) Events() <-chan Event { return h.events }

func (h *execHandle) Signal(sig syscall.Signal) error {
	if err := unix.Kill(-h.pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return syscall.ESRCH
		}
		return fmt.Errorf("signal process group %d: %w", h.pgid, err)
	}
	return nil
}

// Launch starts the worker and returns once the process exists. ctx only bounds
// the start itself; the worker outlives it.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(filterEnv(os.Environ(), l.StripEnv...), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	// One pipe shared by stdout and stderr keeps their interleaving.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	h := &execHandle{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		events: make(chan Event, 64),
	}

	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		defer pr.Close()
		buf := make([]byte, readChunkSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.events <- Event{Kind: EventOutput, Data: chunk}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					h.events <- Event{Kind: EventOutput, Data: []byte(fmt.Sprintf("\n[output read error: %v]\n", err))}
				}
				return
			}
		}
	}()

	go func() {
		waitErr := cmd.Wait()
		// Grandchildren can keep the pipe open after the leader exits.
		drained := make(chan struct{})
		go func() { pump.Wait(); close(drained) }()
		select {
		case <-drained:
		case <-time.After(l.drainTimeout()):
			pr.Close()
			<-drained
		}
		ev := Event{Kind: EventExit, ExitCode: exitCode(cmd, waitErr)}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			ev.Err = waitErr
		}
		h.events <- ev
		close(h.events)
	}()

	return h, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return code
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// filterEnv returns a copy of environ without the named variables.
func filterEnv(environ []string, names ...string) []string {
	if len(names) == 0 {
		return append([]string(nil), environ...)
	}
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		keep := true
		for _, name := range names {
			if strings.HasPrefix(e, name+"=") {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, e)
		}
	}
	return out
}
