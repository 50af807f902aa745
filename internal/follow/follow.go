// Package follow streams a session's output while the session is still running.
package follow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DoneFunc reports whether the session being followed has reached a terminal state.
type DoneFunc func() (bool, error)

// Tail copies the file at path to w and keeps copying appended bytes until done
// reports true or ctx ends. The file may not exist yet. Filesystem events drive
// the copy; interval bounds how often done is polled.
func Tail(ctx context.Context, path string, w io.Writer, done DoneFunc, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creation and atomic replacement are both seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path, w: w}
	defer t.close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := t.copy(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := t.copy(); err != nil {
					return err
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fsnotify: %w", err)

		case <-ticker.C:
			finished, err := done()
			if err != nil {
				return err
			}
			// Copy once more after the terminal check so trailing output is not lost.
			if err := t.copy(); err != nil {
				return err
			}
			if finished {
				return nil
			}
		}
	}
}

type tailer struct {
	path   string
	w      io.Writer
	f      *os.File
	offset int64
}

func (t *tailer) copy() error {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", t.path, err)
		}
		t.f = f
	}
	n, err := io.Copy(t.w, io.NewSectionReader(t.f, t.offset, 1<<62))
	t.offset += n
	if err != nil {
		return fmt.Errorf("copy output: %w", err)
	}
	return nil
}

func (t *tailer) close() {
	if t.f != nil {
		_ = t.f.Close()
	}
}

// FetchFunc returns the full output captured so far and whether the session is
// terminal.
type FetchFunc func() (output string, finished bool, err error)

// Poll follows output through repeated fetches, for stores that have no file to
// watch. Output is append-only, so only the unseen suffix is copied each round.
func Poll(ctx context.Context, w io.Writer, fetch FetchFunc, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var written int
	for {
		out, finished, err := fetch()
		if err != nil {
			return err
		}
		if len(out) > written {
			if _, err := io.WriteString(w, out[written:]); err != nil {
				return err
			}
			written = len(out)
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
