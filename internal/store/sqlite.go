package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is the durable outbox backed by a device-local SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the outbox database at path.
// Use ":memory:" for an in-process database in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// WAL for crash safety, busy_timeout so concurrent readers wait on
	// the single writer instead of failing immediately.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// SQLite allows a single writer; serialize all access through one
	// connection so in-memory databases see one schema too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	entity_type        TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	operation          TEXT NOT NULL,
	payload            TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	direction          TEXT NOT NULL DEFAULT 'PUSH',
	idempotency_key    TEXT,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 5,
	last_error         TEXT,
	error_category     TEXT,
	retry_after        TEXT,
	last_attempt_at    TEXT,
	created_at         TEXT NOT NULL,
	synced_at          TEXT,
	deferred           INTEGER NOT NULL DEFAULT 0,
	dead_lettered      INTEGER NOT NULL DEFAULT 0,
	dead_letter_reason TEXT,
	dead_lettered_at   TEXT,
	api_endpoint       TEXT,
	http_status        INTEGER,
	response_body      TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON sync_outbox (tenant_id, entity_type, created_at)
	WHERE synced_at IS NULL AND dead_lettered = 0;

CREATE INDEX IF NOT EXISTS idx_outbox_idempotency
	ON sync_outbox (tenant_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND synced_at IS NULL AND dead_lettered = 0;

CREATE INDEX IF NOT EXISTS idx_outbox_dead_letter
	ON sync_outbox (tenant_id, dead_lettered_at)
	WHERE dead_lettered = 1;
`

// Migrate creates the outbox schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying outbox schema: %w", err)
	}
	return nil
}
