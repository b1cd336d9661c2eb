// Package store implements the Context & Memory Store: a single
// modernc.org/sqlite-backed database holding sessions, messages, code
// symbols, references, indexed files, and free-form context entries, with
// full-text search over message content.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store is the durable backing for the Task Orchestrator and Agent Loop:
// sessions/messages for conversation replay, symbols/references/files for
// code indexing, and context entries for cross-run memory.
type Store struct {
	db *sql.DB
}

// Config configures where and how the store opens its database.
type Config struct {
	// Path to the SQLite database file. ":memory:" opens an in-memory
	// database, useful for tests.
	Path string

	// BusyTimeout bounds how long a writer waits for the database lock
	// before giving up.
	BusyTimeout time.Duration
}

// DefaultConfig returns the 5s busy-timeout default.
func DefaultConfig() Config {
	return Config{Path: "forge.db", BusyTimeout: 5 * time.Second}
}

// Open creates or opens the store's database, enables WAL mode and the
// busy timeout, creates the schema if absent, and runs any additive
// migrations needed to bring an existing database up to date.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig().BusyTimeout
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Short-lived per-operation connections, single writer: cap the pool so
	// SQLite's own locking (not Go's) governs write serialization.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.resetOrphanedInProgress(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			plan_id TEXT,
			subtask_id TEXT,
			agent_id TEXT NOT NULL,
			title TEXT,
			metadata TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_plan ON sessions(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			parent_message_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_results TEXT,
			iteration_number INTEGER NOT NULL DEFAULT 0,
			agent_depth INTEGER NOT NULL DEFAULT 0,
			is_summarized INTEGER NOT NULL DEFAULT 0,
			is_summary INTEGER NOT NULL DEFAULT 0,
			summary_id TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_summarized ON messages(session_id, is_summarized)`,

		// FTS5 ships in modernc.org/sqlite's default build; messages_fts is
		// kept in sync with messages via triggers rather than application
		// code. It stores its own copy of the columns (not external
		// content), so searches read session_id/message_id straight from
		// the index.
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content, session_id UNINDEXED, message_id UNINDEXED
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content, session_id, message_id) VALUES (new.rowid, new.content, new.session_id, new.id);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			DELETE FROM messages_fts WHERE rowid = old.rowid;
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			DELETE FROM messages_fts WHERE rowid = old.rowid;
			INSERT INTO messages_fts(rowid, content, session_id, message_id) VALUES (new.rowid, new.content, new.session_id, new.id);
		END`,

		`CREATE TABLE IF NOT EXISTS symbols (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			signature TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name)`,

		`CREATE TABLE IF NOT EXISTS "references" (
			id TEXT PRIMARY KEY,
			symbol_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			line INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_references_symbol ON "references"(symbol_id)`,
		`CREATE INDEX IF NOT EXISTS idx_references_file ON "references"(file_path)`,

		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			language TEXT,
			size INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL,
			indexed_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS context (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			plan_id TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_plan ON context(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_context_session ON context(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// resetOrphanedInProgress is invoked once on Open. It is a no-op here
// because in-progress SubTask status lives in the orchestrator's plan file,
// not in this store; the store only guarantees its own tables are
// consistent after a crash.
func (s *Store) resetOrphanedInProgress(ctx context.Context) error {
	return nil
}
