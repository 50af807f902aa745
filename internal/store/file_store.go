package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/model"
	yamlutil "github.com/msageha/delegator/internal/yaml"
)

const (
	statusFile = "status.yaml"
	outputFile = "output.log"
	resultFile = "result.yaml"
)

// FileStore keeps one directory per session under <stateDir>/sessions.
type FileStore struct {
	stateDir string
	root     string
	logger   zerolog.Logger
}

func NewFileStore(stateDir string, logger zerolog.Logger) (*FileStore, error) {
	root := filepath.Join(stateDir, "sessions")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{
		stateDir: stateDir,
		root:     root,
		logger:   logger.With().Str("component", "file_store").Logger(),
	}, nil
}

func (s *FileStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

// OutputPath is the append-only output document of a session, for followers.
func (s *FileStore) OutputPath(id string) string {
	return filepath.Join(s.dir(id), outputFile)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (s *FileStore) SaveStatus(rec *model.SessionRecord) error {
	if err := validID(rec.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(rec.ID), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	doc := *rec
	doc.SchemaVersion = yamlutil.SchemaVersion
	doc.FileType = model.FileTypeSessionStatus
	if err := yamlutil.AtomicWrite(filepath.Join(s.dir(rec.ID), statusFile), &doc); err != nil {
		return fmt.Errorf("write status %s: %w", rec.ID, err)
	}
	return nil
}

func (s *FileStore) LoadStatus(id string) (*model.SessionRecord, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir(id), statusFile)
	rec, err := loadStatusFile(path)
	if err == nil || errors.Is(err, ErrNotFound) {
		return rec, err
	}

	// Corrupt document: quarantine it and fall back to the last good copy.
	restored, rerr := yamlutil.Recover(s.stateDir, path, model.FileTypeSessionStatus)
	if rerr != nil {
		return nil, fmt.Errorf("%w: %s: %v (recovery: %v)", ErrCorrupt, id, err, rerr)
	}
	if !restored {
		s.logger.Warn().Str("session_id", id).Err(err).Msg("status document quarantined, no backup")
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	s.logger.Warn().Str("session_id", id).Err(err).Msg("status document restored from backup")
	return loadStatusFile(path)
}

func loadStatusFile(path string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := yamlutil.LoadDoc(path, model.FileTypeSessionStatus, &rec); err != nil {
		if errors.Is(err, yamlutil.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) Exists(id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(s.dir(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) AppendOutput(id string, chunk []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(id), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(s.OutputPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open output %s: %w", id, err)
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		return fmt.Errorf("append output %s: %w", id, err)
	}
	return f.Close()
}

func (s *FileStore) ReadOutput(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.OutputPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read output %s: %w", id, err)
	}
	return string(data), nil
}

func (s *FileStore) SaveResult(res *model.SessionResult) error {
	if err := validID(res.SessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(res.SessionID), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	doc := *res
	doc.SchemaVersion = yamlutil.SchemaVersion
	doc.FileType = model.FileTypeSessionResult
	if err := yamlutil.AtomicWrite(filepath.Join(s.dir(res.SessionID), resultFile), &doc); err != nil {
		return fmt.Errorf("write result %s: %w", res.SessionID, err)
	}
	return nil
}

func (s *FileStore) LoadResult(id string) (*model.SessionResult, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var res model.SessionResult
	if err := yamlutil.LoadDoc(filepath.Join(s.dir(id), resultFile), model.FileTypeSessionResult, &res); err != nil {
		if errors.Is(err, yamlutil.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &res, nil
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), statusFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
