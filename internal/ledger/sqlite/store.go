// Package sqlite implements the ledger.Store interface on an embedded
// single-file SQLite database via the pure-Go modernc.org/sqlite driver.
//
// WAL journaling plus a busy timeout make per-key compare-and-swap updates
// safe under concurrent workers within one process; for multi-process
// deployments use the postgres backend instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	key             TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	state           TEXT NOT NULL,
	discovered_at   INTEGER NOT NULL,
	last_fetched_at INTEGER,
	http_status     INTEGER,
	exact_hash      TEXT NOT NULL DEFAULT '',
	signature       BLOB,
	downstream_id   TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	etag            TEXT NOT NULL DEFAULT '',
	last_modified   TEXT NOT NULL DEFAULT '',
	content_length  INTEGER,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_source_state ON ledger_entries(source, state);
CREATE INDEX IF NOT EXISTS idx_ledger_exact_hash ON ledger_entries(exact_hash) WHERE exact_hash <> '';
CREATE INDEX IF NOT EXISTS idx_ledger_discovered ON ledger_entries(source, discovered_at);

CREATE TABLE IF NOT EXISTS feed_cursors (
	feed_key              TEXT PRIMARY KEY,
	source                TEXT NOT NULL,
	last_polled_at        INTEGER,
	items_found_last_poll INTEGER NOT NULL DEFAULT 0,
	total_polls           INTEGER NOT NULL DEFAULT 0
);
`

const entryColumns = `key, source, state, discovered_at, last_fetched_at, http_status,
	exact_hash, signature, downstream_id, retry_count, last_error,
	etag, last_modified, content_length, metadata, created_at, updated_at`

// Store is a SQLite-backed ledger store.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for an ephemeral store in tests.
func New(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY on concurrent CAS
	// updates; reads still interleave thanks to WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 10000;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, clk: clk}, nil
}

// Close shuts down the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

// Upsert records the discovery of key. An existing row is returned unchanged.
func (s *Store) Upsert(ctx context.Context, key, source string, metadata ledger.Metadata) (ledger.Entry, bool, error) {
	now := s.clk.Now()
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return ledger.Entry{}, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (key, source, state, discovered_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING;
	`, key, source, string(ledger.StateDiscovered), now.UnixNano(), meta, now.UnixNano(), now.UnixNano())
	if err != nil {
		return ledger.Entry{}, false, &ledger.TransientError{Err: fmt.Errorf("upsert entry: %w", err)}
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("rows affected: %w", err)
	}

	entry, err := s.Get(ctx, key)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, inserted > 0, nil
}

// Get loads a single entry by key.
func (s *Store) Get(ctx context.Context, key string) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE key = ?;`, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Entry{}, &ledger.TransientError{Err: fmt.Errorf("get entry: %w", err)}
	}
	return entry, nil
}

// Transition applies a compare-and-swap state mutation. See ledger.Store.
func (s *Store) Transition(ctx context.Context, key string, from, next ledger.State, fields ledger.TransitionFields) error {
	if !from.Valid() || !next.Valid() {
		return fmt.Errorf("%w: %s -> %s", ledger.ErrIllegalTransition, from, next)
	}
	if !ledger.CanTransition(from, next) {
		if from.Terminal() {
			return fmt.Errorf("%s -> %s: %w", from, next, ledger.ErrTerminalState)
		}
		return fmt.Errorf("%w: %s -> %s", ledger.ErrIllegalTransition, from, next)
	}

	set, args := buildSet(fields, next, s.clk.Now())
	args = append(args, key, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET `+set+` WHERE key = ? AND state = ?;`, args...)
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("transition entry: %w", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.classifyMiss(ctx, key, from, next)
}

// classifyMiss distinguishes a missing row, a terminal entry and a plain
// lost race after a zero-row CAS update.
func (s *Store) classifyMiss(ctx context.Context, key string, from, next ledger.State) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if current.State.Terminal() {
		return fmt.Errorf("%s -> %s (stored %s): %w", from, next, current.State, ledger.ErrTerminalState)
	}
	return fmt.Errorf("%s -> %s (stored %s): %w", from, next, current.State, ledger.ErrConflict)
}

// Requeue moves a failed or terminal entry back to discovered. This is the
// explicit escape hatch behind the force-reprocess flag; it deliberately
// bypasses the terminal guard that Transition enforces. Entries already in
// flight are left alone. The retry budget resets only when leaving a
// terminal state, so failed entries keep their count across retries.
func (s *Store) Requeue(ctx context.Context, key string) error {
	now := s.clk.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET state = ?,
		    retry_count = CASE WHEN state = 'failed' THEN retry_count ELSE 0 END,
		    last_error = '',
		    updated_at = ?
		WHERE key = ? AND state IN (?, ?, ?, ?);
	`, string(ledger.StateDiscovered), now.UnixNano(), key,
		string(ledger.StateFailed), string(ledger.StateProcessed),
		string(ledger.StateDuplicate), string(ledger.StateSkipped))
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("requeue entry: %w", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return nil
}

// GetPending returns discovered and fetched entries oldest-first.
func (s *Store) GetPending(ctx context.Context, source string, limit int) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE source = ? AND state IN (?, ?)
		ORDER BY discovered_at ASC
		LIMIT ?;
	`, source, string(ledger.StateDiscovered), string(ledger.StateFetched), limit)
	if err != nil {
		return nil, &ledger.TransientError{Err: fmt.Errorf("query pending: %w", err)}
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.TransientError{Err: fmt.Errorf("iterate pending: %w", err)}
	}
	return entries, nil
}

// Stats returns per-state entry counts for the source.
func (s *Store) Stats(ctx context.Context, source string) (map[ledger.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM ledger_entries WHERE source = ? GROUP BY state;
	`, source)
	if err != nil {
		return nil, &ledger.TransientError{Err: fmt.Errorf("query stats: %w", err)}
	}
	defer rows.Close()

	stats := make(map[ledger.State]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[ledger.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.TransientError{Err: fmt.Errorf("iterate stats: %w", err)}
	}
	return stats, nil
}

// SweepFailed removes failed entries past the retry ceiling and age threshold.
func (s *Store) SweepFailed(ctx context.Context, maxRetries int, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger_entries
		WHERE state = ? AND retry_count >= ? AND updated_at < ?;
	`, string(ledger.StateFailed), maxRetries, olderThan.UnixNano())
	if err != nil {
		return 0, &ledger.TransientError{Err: fmt.Errorf("sweep failed entries: %w", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ReplayDedup streams every hashed entry to fn for an index rebuild.
func (s *Store) ReplayDedup(ctx context.Context, fn func(ledger.DedupRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, source, exact_hash, signature FROM ledger_entries WHERE exact_hash <> '';
	`)
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("query dedup replay: %w", err)}
	}
	defer rows.Close()

	for rows.Next() {
		var rec ledger.DedupRecord
		var sigBlob []byte
		if err := rows.Scan(&rec.Key, &rec.Source, &rec.ExactHash, &sigBlob); err != nil {
			return fmt.Errorf("scan dedup row: %w", err)
		}
		sig, err := ledger.DecodeSignature(sigBlob)
		if err != nil {
			return fmt.Errorf("decode signature for %s: %w", rec.Key, err)
		}
		rec.Signature = sig
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("iterate dedup replay: %w", err)}
	}
	return nil
}

// GetCursor loads the feed cursor for feedKey.
func (s *Store) GetCursor(ctx context.Context, feedKey string) (ledger.FeedCursor, error) {
	var cur ledger.FeedCursor
	var polledAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT feed_key, source, last_polled_at, items_found_last_poll, total_polls
		FROM feed_cursors WHERE feed_key = ?;
	`, feedKey).Scan(&cur.FeedKey, &cur.Source, &polledAt, &cur.ItemsFoundLastPoll, &cur.TotalPolls)
	if err == sql.ErrNoRows {
		return ledger.FeedCursor{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.FeedCursor{}, &ledger.TransientError{Err: fmt.Errorf("get cursor: %w", err)}
	}
	if polledAt.Valid {
		t := time.Unix(0, polledAt.Int64).UTC()
		cur.LastPolledAt = &t
	}
	return cur, nil
}

// PutCursor inserts or replaces the feed cursor.
func (s *Store) PutCursor(ctx context.Context, cur ledger.FeedCursor) error {
	var polledAt any
	if cur.LastPolledAt != nil {
		polledAt = cur.LastPolledAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_cursors (feed_key, source, last_polled_at, items_found_last_poll, total_polls)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feed_key) DO UPDATE SET
			last_polled_at = excluded.last_polled_at,
			items_found_last_poll = excluded.items_found_last_poll,
			total_polls = excluded.total_polls;
	`, cur.FeedKey, cur.Source, polledAt, cur.ItemsFoundLastPoll, cur.TotalPolls)
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("put cursor: %w", err)}
	}
	return nil
}

// buildSet assembles the SET clause for a transition. exact_hash and
// signature are write-once-then-supersede: they are only touched when the
// new fields carry a value, never blanked.
func buildSet(fields ledger.TransitionFields, next ledger.State, now time.Time) (string, []any) {
	set := "state = ?, updated_at = ?"
	args := []any{string(next), now.UnixNano()}

	if next == ledger.StateFailed {
		set += ", retry_count = retry_count + 1"
	}
	if fields.HTTPStatus != nil {
		set += ", http_status = ?"
		args = append(args, *fields.HTTPStatus)
	}
	if fields.LastFetchedAt != nil {
		set += ", last_fetched_at = ?"
		args = append(args, fields.LastFetchedAt.UnixNano())
	}
	if fields.ExactHash != "" {
		set += ", exact_hash = ?"
		args = append(args, fields.ExactHash)
	}
	if len(fields.Signature) > 0 {
		set += ", signature = ?"
		args = append(args, ledger.EncodeSignature(fields.Signature))
	}
	if fields.DownstreamID != "" {
		set += ", downstream_id = ?"
		args = append(args, fields.DownstreamID)
	}
	if fields.ETag != "" {
		set += ", etag = ?"
		args = append(args, fields.ETag)
	}
	if fields.LastModified != "" {
		set += ", last_modified = ?"
		args = append(args, fields.LastModified)
	}
	if fields.ContentLength != nil {
		set += ", content_length = ?"
		args = append(args, *fields.ContentLength)
	}
	if fields.LastError != "" {
		set += ", last_error = ?"
		args = append(args, fields.LastError)
	}
	if len(fields.Metadata) > 0 {
		// json_patch merges the new keys into the stored object.
		meta, _ := json.Marshal(fields.Metadata)
		set += ", metadata = json_patch(metadata, ?)"
		args = append(args, string(meta))
	}
	return set, args
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entry         ledger.Entry
		state         string
		discoveredAt  int64
		lastFetchedAt sql.NullInt64
		httpStatus    sql.NullInt64
		sigBlob       []byte
		contentLength sql.NullInt64
		metaJSON      string
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&entry.Key, &entry.Source, &state, &discoveredAt, &lastFetchedAt, &httpStatus,
		&entry.ExactHash, &sigBlob, &entry.DownstreamID, &entry.RetryCount, &entry.LastError,
		&entry.ETag, &entry.LastModified, &contentLength, &metaJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return ledger.Entry{}, err
	}

	entry.State = ledger.State(state)
	entry.DiscoveredAt = time.Unix(0, discoveredAt).UTC()
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if lastFetchedAt.Valid {
		t := time.Unix(0, lastFetchedAt.Int64).UTC()
		entry.LastFetchedAt = &t
	}
	if httpStatus.Valid {
		status := int(httpStatus.Int64)
		entry.HTTPStatus = &status
	}
	if contentLength.Valid {
		entry.ContentLength = &contentLength.Int64
	}
	if entry.Signature, err = ledger.DecodeSignature(sigBlob); err != nil {
		return ledger.Entry{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
		return ledger.Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return entry, nil
}

func marshalMetadata(m ledger.Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}
