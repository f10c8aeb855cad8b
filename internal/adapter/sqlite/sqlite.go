package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alanyang/delegate-broker/internal/port"
)

// Store is the embedded single-node backend. Every repository shares one
// connection, so each conditional write runs as a serialized transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path (":memory:" for an ephemeral store)
// and creates the schema if it does not exist.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Agents() *AgentRepository             { return &AgentRepository{db: s.db} }
func (s *Store) Connections() *ConnectionRepository   { return &ConnectionRepository{db: s.db} }
func (s *Store) Tasks() *TaskRepository               { return &TaskRepository{db: s.db} }
func (s *Store) Slots() *SlotRepository               { return &SlotRepository{db: s.db} }
func (s *Store) Profiles() *ProfileRepository         { return &ProfileRepository{db: s.db} }
func (s *Store) SelectorMaps() *SelectorMapRepository { return &SelectorMapRepository{db: s.db} }
func (s *Store) Idempotency() *IdempotencyRepository  { return &IdempotencyRepository{db: s.db} }

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			account_id         TEXT NOT NULL,
			name               TEXT NOT NULL,
			status             TEXT NOT NULL,
			host_name          TEXT NOT NULL,
			host_prefix        TEXT NOT NULL,
			ip                 TEXT NOT NULL DEFAULT '',
			type               TEXT NOT NULL,
			profile_id         TEXT,
			explicit_selectors TEXT NOT NULL DEFAULT '[]',
			include_scopes     TEXT NOT NULL DEFAULT '[]',
			exclude_scopes     TEXT NOT NULL DEFAULT '[]',
			connection_mode    TEXT NOT NULL,
			slot_json          TEXT,
			last_heartbeat_at  INTEGER,
			expires_at         INTEGER,
			created_at         INTEGER NOT NULL,

			CHECK (status IN ('pending_approval', 'enabled', 'deleted'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_account ON agents(account_id, status);

		CREATE TABLE IF NOT EXISTS connections (
			agent_id          TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			account_id        TEXT NOT NULL,
			version           TEXT NOT NULL DEFAULT '',
			location          TEXT NOT NULL DEFAULT '',
			first_seen_at     INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at INTEGER NOT NULL,
			evicted_at        INTEGER,
			PRIMARY KEY (agent_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_connections_account ON connections(account_id, last_heartbeat_at);

		CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			account_id            TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			status                TEXT NOT NULL,
			rank                  TEXT NOT NULL,
			is_async              INTEGER NOT NULL,
			parameters            TEXT NOT NULL DEFAULT '{}',
			scope_attrs           TEXT NOT NULL DEFAULT '{}',
			required_capabilities TEXT NOT NULL DEFAULT '[]',
			explicit_selectors    TEXT NOT NULL DEFAULT '[]',
			agent_id              TEXT,
			preferred_agent_id    TEXT,
			already_tried_agents  TEXT NOT NULL DEFAULT '[]',
			validating_agents     TEXT NOT NULL DEFAULT '[]',
			validated_agents      TEXT NOT NULL DEFAULT '[]',
			validation_started_at INTEGER,
			timeout_ns            INTEGER NOT NULL,
			expires_at            INTEGER NOT NULL,
			wait_id               TEXT NOT NULL,
			callback_driver_id    TEXT NOT NULL DEFAULT '',
			package               TEXT,
			created_at            INTEGER NOT NULL,

			CHECK (status IN ('queued', 'started', 'aborted', 'errored'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_account_status ON tasks(account_id, status, rank);
		CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(status, expires_at);

		CREATE TABLE IF NOT EXISTS identity_slots (
			account_id        TEXT NOT NULL,
			host_prefix       TEXT NOT NULL,
			sequence_number   INTEGER NOT NULL,
			token             TEXT NOT NULL,
			agent_id          TEXT,
			last_refreshed_at INTEGER NOT NULL,
			PRIMARY KEY (account_id, host_prefix, sequence_number)
		);

		CREATE TABLE IF NOT EXISTS profiles (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			selectors  TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS selector_maps (
			account_id TEXT NOT NULL,
			task_group TEXT NOT NULL,
			selectors  TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (account_id, task_group)
		);

		CREATE TABLE IF NOT EXISTS processed_operations (
			idempotency_key TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			operation_type  TEXT NOT NULL,
			result_json     BLOB NOT NULL,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_processed_operations_created ON processed_operations(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing on success.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return port.ErrNotFound
	case isUniqueViolation(err):
		return port.ErrConflict
	}
	return err
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
