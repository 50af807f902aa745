// Package store persists session status, output, and result documents.
//
// Each session has three independent documents: a status record rewritten on
// every transition, an append-only output stream, and a result written once the
// session is terminal. Writes for one session must be serialized by the caller;
// different sessions may be written concurrently.
package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/msageha/delegator/internal/model"
)

var (
	ErrNotFound = errors.New("session document not found")
	ErrCorrupt  = errors.New("session document corrupt")
)

type Store interface {
	SaveStatus(rec *model.SessionRecord) error
	LoadStatus(id string) (*model.SessionRecord, error)
	Exists(id string) (bool, error)

	AppendOutput(id string, chunk []byte) error
	ReadOutput(id string) (string, error)

	SaveResult(res *model.SessionResult) error
	LoadResult(id string) (*model.SessionResult, error)

	// List returns the ids of every session with a status document.
	List() ([]string, error)
	Delete(id string) error
	Close() error
}

const (
	DriverFiles  = "files"
	DriverSQLite = "sqlite"
)

// Open returns the store selected by cfg, rooted under stateDir.
func Open(stateDir string, cfg model.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverFiles:
		return NewFileStore(stateDir, logger)
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(stateDir, "sessions.db")
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(stateDir, path)
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
