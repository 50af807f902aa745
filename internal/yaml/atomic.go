// Package yaml stores the engine's durable documents: crash-safe writes,
// header-checked reads and quarantine of documents that fail to parse.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrNotExist is returned by Load when the document does not exist.
var ErrNotExist = os.ErrNotExist

// AtomicWrite replaces the document at path with v. Readers see either the
// previous document or the new one, and the previous one is kept as path.bak.
func AtomicWrite(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeAtomic(path, content)
}

func writeAtomic(path string, content []byte) error {
	// Unparseable bytes never reach the final name.
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return syncDir(dir)
}

// backup hard-links the current document to path.bak. The link shares the
// inode, so the rename that follows cannot disturb it.
// A first write, or a restore after quarantine, leaves an existing backup alone.
func backup(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	bak := path + ".bak"
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old backup: %w", err)
	}
	if err := os.Link(path, bak); err != nil {
		return fmt.Errorf("link backup: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// Load reads path into v. A missing file yields an error matching ErrNotExist.
func Load(path string, v any) error {
	content, err := read(path)
	if err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadDoc is Load for documents that carry a schema header; a header that
// does not match fileType yields an error matching ErrSchema.
func LoadDoc(path, fileType string, v any) error {
	content, err := read(path)
	if err != nil {
		return err
	}
	if err := CheckHeader(content, fileType); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func read(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content, nil
}
