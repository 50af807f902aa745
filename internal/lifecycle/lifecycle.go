// Package lifecycle starts the daemon in the background and stops it again.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/delegator/internal/uds"
)

var ErrAlreadyRunning = errors.New("daemon is already running")

const pollInterval = 100 * time.Millisecond

// Up starts `argv` (normally `delegator daemon`) detached from the calling
// terminal, in the project directory that owns stateDir, and waits until the
// daemon answers on its socket.
func Up(stateDir string, argv []string, timeout time.Duration) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty daemon command")
	}
	if Ping(stateDir) {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(stateDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Ping(stateDir) {
			return nil
		}
		select {
		case err := <-exited:
			return fmt.Errorf("daemon exited during startup (pid %d): %v; see %s", pid, err, filepath.Join(stateDir, "logs", "daemon.log"))
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("daemon did not answer within %v (pid %d)", timeout, pid)
}

// Down asks a running daemon to shut down and waits for its socket to go away.
// A socket file left behind by a dead daemon is removed. It reports whether a
// daemon was running.
func Down(stateDir string, timeout time.Duration) (bool, error) {
	socketPath := filepath.Join(stateDir, uds.DefaultSocketName)

	client := uds.NewClient(socketPath)
	client.SetTimeout(5 * time.Second)
	err := client.Call("shutdown", nil, nil)
	if errors.Is(err, uds.ErrDaemonNotRunning) {
		// A crashed daemon leaves its socket file behind.
		if rmErr := os.Remove(socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, fmt.Errorf("remove stale socket: %w", rmErr)
		}
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("shutdown request failed: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			return true, nil
		}
		time.Sleep(pollInterval)
	}
	return true, fmt.Errorf("daemon did not stop within %v", timeout)
}

// Ping reports whether a daemon answers on stateDir's socket.
func Ping(stateDir string) bool {
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	return client.Call("ping", nil, nil) == nil
}
