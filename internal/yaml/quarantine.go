package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDir is the state subdirectory that receives corrupt documents.
const QuarantineDir = "quarantine"

// Quarantine moves a corrupt document out of the way and returns its new path.
// The name keeps the parent directory, since every session directory holds a
// status.yaml.
func Quarantine(stateDir, path string) (string, error) {
	dir := filepath.Join(stateDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.%s.corrupt",
		filepath.Base(filepath.Dir(path)), filepath.Base(path), time.Now().UTC().Format("20060102T150405.000"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// Recover quarantines the document at path and puts its .bak copy back when
// that copy has a valid fileType header. It reports whether a backup was
// restored; false means the document is gone.
func Recover(stateDir, path, fileType string) (bool, error) {
	if _, err := Quarantine(stateDir, path); err != nil {
		return false, err
	}
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return false, nil
	}
	if err := CheckHeader(content, fileType); err != nil {
		return false, nil
	}
	if err := writeAtomic(path, content); err != nil {
		return false, fmt.Errorf("restore backup: %w", err)
	}
	return true, nil
}
