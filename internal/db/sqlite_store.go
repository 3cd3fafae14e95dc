package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/Fieldform/internal/objstore"
)

// SQLiteStore keeps objects in a single SQLite table. It is meant for
// single-node deployments and for exercising the object store contract with a
// real database in tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenSQLite opens (creating if needed) the database file at path, applies
// migrations and returns the store.
func OpenSQLite(path, migrationsDir string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(path))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := RunMigrations(sqlDB, migrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewSQLiteStore(sqlDB)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM objects WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, objstore.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", key, err)
	}
	return body, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, body []byte) error {
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO objects (key, body, updated_at) VALUES (?, ?, ?)
      ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, body, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return classify("put", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// List reads the matching keys up front and closes the cursor before
// yielding, so callers may write to the store while iterating.
func (s *SQLiteStore) List(ctx context.Context, prefix string) iter.Seq2[objstore.ObjectInfo, error] {
	return func(yield func(objstore.ObjectInfo, error) bool) {
		infos, err := s.listKeys(ctx, prefix)
		if err != nil {
			yield(objstore.ObjectInfo{}, classify("list", prefix, err))
			return
		}
		for _, info := range infos {
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (s *SQLiteStore) listKeys(ctx context.Context, prefix string) ([]objstore.ObjectInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, length(body) FROM objects WHERE instr(key, ?) = 1 ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []objstore.ObjectInfo
	for rows.Next() {
		var info objstore.ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// classify marks lock contention and cancelled contexts as transient.
func classify(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &objstore.TransientError{Op: op, Key: key, Err: err}
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return &objstore.TransientError{Op: op, Key: key, Err: err}
		}
	}
	return fmt.Errorf("sqlite store %s %q: %w", op, key, err)
}

var _ objstore.Store = (*SQLiteStore)(nil)
