package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for the ledger tables. Idempotent; applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	key             TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	state           TEXT NOT NULL,
	discovered_at   TIMESTAMPTZ NOT NULL,
	last_fetched_at TIMESTAMPTZ,
	http_status     INTEGER,
	exact_hash      TEXT NOT NULL DEFAULT '',
	signature       BYTEA,
	downstream_id   TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	etag            TEXT NOT NULL DEFAULT '',
	last_modified   TEXT NOT NULL DEFAULT '',
	content_length  BIGINT,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_source_state ON ledger_entries (source, state);
CREATE INDEX IF NOT EXISTS idx_ledger_exact_hash ON ledger_entries (exact_hash) WHERE exact_hash <> '';
CREATE INDEX IF NOT EXISTS idx_ledger_discovered ON ledger_entries (source, discovered_at);

CREATE TABLE IF NOT EXISTS feed_cursors (
	feed_key              TEXT PRIMARY KEY,
	source                TEXT NOT NULL,
	last_polled_at        TIMESTAMPTZ,
	items_found_last_poll INTEGER NOT NULL DEFAULT 0,
	total_polls           BIGINT NOT NULL DEFAULT 0
);
`

// Migrate applies the ledger schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}
