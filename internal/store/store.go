// Package store is the durable metadata store: sandboxes, sessions, cargos,
// and idempotency records. It is the source of truth; the container fabric is
// observed state reconciled against it.
//
// All lifecycle mutations are single transactions, so a transient write
// failure leaves no observable partial state. Cross-process serialization
// rides on the sandbox `version` column: every write is a compare-and-swap,
// and a stale writer gets Conflict and must reload.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/RC-CHN/bay/internal/errdefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id                 TEXT PRIMARY KEY,
	owner              TEXT NOT NULL,
	profile_id         TEXT NOT NULL,
	cargo_id           TEXT NOT NULL,
	desired_state      TEXT NOT NULL,
	ttl_seconds        INTEGER,
	expires_at         TIMESTAMP,
	idle_expires_at    TIMESTAMP,
	current_session_id TEXT,
	deleted_at         TIMESTAMP,
	version            INTEGER NOT NULL DEFAULT 1,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires_at ON sandboxes(expires_at);
CREATE INDEX IF NOT EXISTS idx_sandboxes_idle_expires_at ON sandboxes(idle_expires_at);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	sandbox_id         TEXT NOT NULL,
	runtime_network_id TEXT NOT NULL DEFAULT '',
	containers         TEXT NOT NULL DEFAULT '[]',
	observed_state     TEXT NOT NULL,
	desired_state      TEXT NOT NULL,
	unavailable_caps   TEXT NOT NULL DEFAULT '[]',
	last_observed_at   TIMESTAMP NOT NULL,
	last_active_at     TIMESTAMP NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	skills_injected_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_sandbox_id ON sessions(sandbox_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active_at ON sessions(last_active_at);

CREATE TABLE IF NOT EXISTS cargos (
	id                    TEXT PRIMARY KEY,
	owner                 TEXT NOT NULL,
	driver_ref            TEXT NOT NULL,
	managed               INTEGER NOT NULL,
	managed_by_sandbox_id TEXT,
	size_limit_mb         INTEGER NOT NULL,
	created_at            TIMESTAMP NOT NULL,
	last_accessed_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cargos_owner ON cargos(owner);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key                 TEXT NOT NULL,
	owner               TEXT NOT NULL,
	request_fingerprint TEXT NOT NULL,
	response_status     INTEGER NOT NULL,
	response_body       BLOB NOT NULL,
	expires_at          TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency_keys(expires_at);
`

// Store wraps the sqlite database. Safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open opens (and migrates) the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite is a single-writer store; one connection sidesteps both
	// in-memory connection isolation and writer lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "commit transaction")
	}
	return nil
}

func notFoundOr(err error, kind errdefs.Kind, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.New(errdefs.KindNotFound, format, args...)
	}
	return errdefs.Wrap(err, kind, format, args...)
}

func marshalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalJSON(raw string, v any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
