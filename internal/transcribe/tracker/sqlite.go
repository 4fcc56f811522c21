package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// SQLiteStore keeps markers in a completions table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the completions database at path.
// synchronous=FULL makes a committed marker durable.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create tracker directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tracker database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tracker database: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS completions (
		path TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate tracker database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Done reports whether path has a row.
func (s *SQLiteStore) Done(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM completions WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query completion: %w", err)
	}
	return true, nil
}

// Get returns the stored marker.
func (s *SQLiteStore) Get(ctx context.Context, path string) (Marker, error) {
	var (
		m         Marker
		completed string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, job_id, outcome, delivered, completed_at FROM completions WHERE path = ?`, path,
	).Scan(&m.Path, &m.JobID, &m.Outcome, &m.Delivered, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, fmt.Errorf("%w: %s", ErrNotMarked, path)
	}
	if err != nil {
		return Marker{}, fmt.Errorf("query completion: %w", err)
	}

	m.CompletedAt, err = time.Parse(time.RFC3339Nano, completed)
	if err != nil {
		return Marker{}, fmt.Errorf("parse completed_at: %w", err)
	}
	return m, nil
}

// Mark inserts m unless a row for the path exists.
func (s *SQLiteStore) Mark(ctx context.Context, m Marker) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (path, job_id, outcome, delivered, completed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		m.Path, m.JobID, m.Outcome, m.Delivered, m.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyMarked, m.Path)
	}
	return nil
}

// Clear deletes the row for path.
func (s *SQLiteStore) Clear(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM completions WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotMarked, path)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
