package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/msageha/delegator/internal/model"
	yamlutil "github.com/msageha/delegator/internal/yaml"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_status (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	project_id  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	document    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_output (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	chunk       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_output_session ON session_output(session_id, seq);
CREATE TABLE IF NOT EXISTS session_result (
	session_id  TEXT PRIMARY KEY,
	document    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_ids (
	id          TEXT PRIMARY KEY
);
`

// SQLiteStore keeps the three session documents as rows of one database.
// session_ids is never pruned, so deleted ids are still known to Exists.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveStatus(rec *model.SessionRecord) error {
	doc := *rec
	doc.SchemaVersion = yamlutil.SchemaVersion
	doc.FileType = model.FileTypeSessionStatus
	data, err := yamlv3.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal status %s: %w", rec.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO session_ids (id) VALUES (?)`, rec.ID); err != nil {
		return fmt.Errorf("reserve id %s: %w", rec.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO session_status (id, status, project_id, created_at, updated_at, document)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, project_id=excluded.project_id,
			updated_at=excluded.updated_at, document=excluded.document`,
		rec.ID, string(rec.Status), rec.Task.ProjectID,
		rec.CreatedAt.UTC(), time.Now().UTC(), string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", rec.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadStatus(id string) (*model.SessionRecord, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM session_status WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select status %s: %w", id, err)
	}
	var rec model.SessionRecord
	if err := yamlv3.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Exists(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM session_ids WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup id %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendOutput(id string, chunk []byte) error {
	if _, err := s.db.Exec(`INSERT INTO session_output (session_id, chunk) VALUES (?, ?)`, id, chunk); err != nil {
		return fmt.Errorf("append output %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ReadOutput(id string) (string, error) {
	rows, err := s.db.Query(`SELECT chunk FROM session_output WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return "", fmt.Errorf("select output %s: %w", id, err)
	}
	defer rows.Close()

	var sb strings.Builder
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return "", fmt.Errorf("scan output %s: %w", id, err)
		}
		sb.Write(chunk)
	}
	return sb.String(), rows.Err()
}

func (s *SQLiteStore) SaveResult(res *model.SessionResult) error {
	doc := *res
	doc.SchemaVersion = yamlutil.SchemaVersion
	doc.FileType = model.FileTypeSessionResult
	data, err := yamlv3.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", res.SessionID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session_result (session_id, document) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET document=excluded.document`,
		res.SessionID, string(data))
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", res.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadResult(id string) (*model.SessionResult, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM session_result WHERE session_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select result %s: %w", id, err)
	}
	var res model.SessionResult
	if err := yamlv3.Unmarshal([]byte(doc), &res); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &res, nil
}

func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM session_status ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM session_output WHERE session_id = ?`,
		`DELETE FROM session_result WHERE session_id = ?`,
		`DELETE FROM session_status WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	return tx.Commit()
}
