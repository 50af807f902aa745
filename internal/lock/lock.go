// Package lock serializes per-session durable writes inside the daemon and
// keeps a second daemon from starting on the same state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// KeyedMutex hands out one mutex per key. Entries live only while someone
// holds or waits on them, so finished sessions leave nothing behind.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// HeldError reports that another process owns a FileLock.
type HeldError struct {
	Path string
	PID  int // 0 when the holder's PID could not be read
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is held by pid %d", e.Path, e.PID)
	}
	return e.Path + " is held by another process"
}

// FileLock is an exclusive flock(2) whose file records the holder's PID.
type FileLock struct {
	path string
	file *os.File
}

// Acquire takes the lock at path without blocking. If another process holds
// it the error is a *HeldError.
func Acquire(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &HeldError{Path: path, PID: ReadPID(path)}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	fl := &FileLock{path: path, file: f}
	if err := fl.writePID(); err != nil {
		_ = fl.Release()
		return nil, err
	}
	return fl, nil
}

func (fl *FileLock) writePID() error {
	if err := fl.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fl.file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return fl.file.Sync()
}

// Release removes the lock file and drops the lock. A nil or already
// released lock is a no-op.
func (fl *FileLock) Release() error {
	if fl == nil || fl.file == nil {
		return nil
	}
	// Remove first so a waiter never locks a file that is about to vanish.
	_ = os.Remove(fl.path)
	err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	if cerr := fl.file.Close(); err == nil {
		err = cerr
	}
	fl.file = nil
	if err != nil {
		return fmt.Errorf("release %s: %w", fl.path, err)
	}
	return nil
}

// ReadPID returns the PID recorded in the lock file at path, or 0 if none.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
