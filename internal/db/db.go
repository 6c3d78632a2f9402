// Package db provides the local SQLite store for chatdesk: conversations,
// their messages, search and persisted read state.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/chatdesk/internal/logging"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
	writes writePolicy
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	return open(dsn, path, 0)
}

// OpenInMemory opens a private in-memory database. The pool is pinned to a
// single connection because every new SQLite memory connection is empty.
func OpenInMemory() (*DB, error) {
	database, err := open(":memory:", ":memory:", 1)
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return database, nil
}

func open(dsn, path string, maxConns int) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := logging.Component("db")
	logger.Debug().Str("path", path).Msg("database opened")
	return &DB{DB: conn, path: path, logger: logger, writes: defaultWritePolicy}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Transaction runs fn inside a transaction, committing on success.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "conversations_and_messages",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				contact TEXT NOT NULL,
				display_name TEXT,
				summary TEXT,
				status TEXT NOT NULL DEFAULT 'new',
				campus TEXT,
				last_activity TEXT NOT NULL,
				unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
				next_follow_up_at TEXT,
				last_follow_up_at TEXT,
				follow_up_attempts INTEGER NOT NULL DEFAULT 0,
				last_message_preview TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_kind TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at TEXT NOT NULL,
				media TEXT,
				is_read INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS conversations_activity_idx ON conversations(last_activity DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS messages_timeline_idx ON messages(conversation_id, created_at DESC, id DESC)`,
		},
	},
}

// MigrateUp applies pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, formatTime(time.Now()))
			return err
		})
		if err != nil {
			return applied, err
		}
		applied++
		db.logger.Info().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		// Rows written by other tools may carry plain RFC3339.
		return time.Parse(time.RFC3339Nano, raw)
	}
	return t, nil
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// likePattern builds a case-insensitive substring pattern for use with
// ESCAPE '\'.
func likePattern(query string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.ToLower(strings.TrimSpace(query))) + "%"
}

func pageLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
