// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Appends gateway activity with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS activity (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			payload TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activity_entity_created
			ON activity(entity_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_activity_kind
			ON activity(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordActivity inserts one activity record.
func (s *SQLiteStore) RecordActivity(ctx context.Context, a *Activity) error {
	query := `
		INSERT INTO activity (id, kind, session_id, entity_id, remote_addr, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var payload *string
	if len(a.Payload) > 0 {
		p := string(a.Payload)
		payload = &p
	}

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.Kind,
		a.SessionID,
		a.EntityID,
		a.RemoteAddr,
		payload,
		a.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}

	s.logger.Debug("recorded activity",
		"activity_id", a.ID,
		"kind", a.Kind,
		"entity_id", a.EntityID,
	)
	return nil
}

// GetActivity retrieves a single activity record by ID
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*Activity, error) {
	query := `
		SELECT id, kind, session_id, entity_id, remote_addr, payload, created_at
		FROM activity
		WHERE id = ?
	`

	a, err := scanActivity(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	return a, nil
}

// ListActivity returns matching records ordered newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, p ListActivityParams) ([]*Activity, error) {
	var where []string
	var args []any
	if p.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, p.EntityID)
	}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, p.Kind)
	}

	query := `
		SELECT id, kind, session_id, entity_id, remote_addr, payload, created_at
		FROM activity
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, p.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*Activity, error) {
	var a Activity
	var payload sql.NullString
	var createdAt string

	if err := row.Scan(
		&a.ID,
		&a.Kind,
		&a.SessionID,
		&a.EntityID,
		&a.RemoteAddr,
		&payload,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if payload.Valid {
		a.Payload = []byte(payload.String)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	return &a, nil
}
