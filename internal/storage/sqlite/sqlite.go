package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/fcsandbox/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and the pool
	// and server write from many goroutines.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *storage.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	ts := e.CreatedAt.Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	status := e.Kind.Status()
	executions := 0
	if e.Kind == storage.EventExecuted {
		executions = 1
	}
	initial := status
	if initial == "" {
		initial = storage.StatusRunning
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sandboxes (id, status, executions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = CASE WHEN ? = '' THEN sandboxes.status ELSE ? END,
			executions = sandboxes.executions + excluded.executions,
			updated_at = excluded.updated_at`,
		e.SandboxID, initial, executions, ts, ts, string(status), string(status),
	)
	if err != nil {
		return fmt.Errorf("upserting sandbox: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (sandbox_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		e.SandboxID, e.Kind, e.Detail, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, opts storage.EventListOptions) ([]storage.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, sandbox_id, kind, detail, created_at FROM events WHERE 1 = 1`
	var args []any
	if opts.SandboxID != "" {
		query += ` AND sandbox_id = ?`
		args = append(args, opts.SandboxID)
	}
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		var e storage.Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.Kind, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetSandbox(ctx context.Context, id string) (*storage.Sandbox, error) {
	// Try exact match first, then prefix match
	sb, err := scanSandbox(s.db.QueryRowContext(ctx, `
		SELECT id, status, executions, created_at, updated_at
		FROM sandboxes WHERE id = ?`, id))
	if err == nil {
		return sb, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, executions, created_at, updated_at
		FROM sandboxes WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying sandbox: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sb)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("sandbox not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous sandbox prefix %q matches %d sandboxes", id, len(matches))
	}
}

func (s *SQLiteStore) ListSandboxes(ctx context.Context, opts storage.SandboxListOptions) ([]storage.Sandbox, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, status, executions, created_at, updated_at FROM sandboxes`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []storage.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, *sb)
	}
	return sandboxes, rows.Err()
}

func (s *SQLiteStore) DeleteSandbox(ctx context.Context, id string) error {
	// Resolve prefix first
	sb, err := s.GetSandbox(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE sandbox_id = ?`, sb.ID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, sb.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSandbox(s scanner) (*storage.Sandbox, error) {
	var sb storage.Sandbox
	var createdAt, updatedAt string
	if err := s.Scan(&sb.ID, &sb.Status, &sb.Executions, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sb.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sb.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sb, nil
}
