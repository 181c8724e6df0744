// Package retention keeps the profile store durable and bounded: debounced
// snapshots, hydrate on start, periodic eviction and explicit resets.
package retention

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vnorme/vnorme-bot/internal/profile"
	_ "modernc.org/sqlite"
)

const (
	SnapshotFileName = "profiles.json"
	SnapshotDBName   = "profiles.db"
)

// Backend stores the whole record map as one document. Load returns an
// empty map when nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context) (map[string]*profile.Record, error)
	Save(ctx context.Context, records map[string]*profile.Record) error
	Location() string
	Close() error
}

// OpenBackend picks the backend by name ("file" or "sqlite") under dataDir.
func OpenBackend(kind, dataDir string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileSnapshot(filepath.Join(dataDir, SnapshotFileName)), nil
	case "sqlite":
		return NewSQLiteSnapshot(filepath.Join(dataDir, SnapshotDBName))
	}
	return nil, fmt.Errorf("unknown store backend %q", kind)
}

// FileSnapshot writes pretty-printed JSON through a temp file and rename, so
// a crash mid-write leaves the previous snapshot intact.
type FileSnapshot struct {
	path string
}

func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

func (f *FileSnapshot) Location() string { return f.path }

func (f *FileSnapshot) Load(_ context.Context) (map[string]*profile.Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*profile.Record{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (f *FileSnapshot) Save(_ context.Context, records map[string]*profile.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profiles-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FileSnapshot) Close() error { return nil }

// SQLiteSnapshot keeps the same JSON document in a single-row table.
type SQLiteSnapshot struct {
	db   *sql.DB
	path string
}

func NewSQLiteSnapshot(dbPath string) (*SQLiteSnapshot, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteSnapshot{db: db, path: dbPath}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshot) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteSnapshot) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS snapshot (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		data     TEXT NOT NULL,
		records  INTEGER NOT NULL,
		saved_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshot) Location() string { return s.path }

func (s *SQLiteSnapshot) Load(ctx context.Context) (map[string]*profile.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]*profile.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot([]byte(data))
}

func (s *SQLiteSnapshot) Save(ctx context.Context, records map[string]*profile.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot (id, data, records, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, records = excluded.records, saved_at = excluded.saved_at`,
		string(data), len(records), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshot) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeSnapshot(data []byte) (map[string]*profile.Record, error) {
	records := map[string]*profile.Record{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return records, nil
}
