// Package postgres implements the ledger.Store interface on PostgreSQL.
//
// Transitions rely on a single-statement compare-and-swap
// (UPDATE ... WHERE key = $1 AND state = $2); row-level locking inside
// Postgres linearizes concurrent transitions per key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/ledger"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a Postgres-backed ledger store.
type Store struct {
	db  DB
	clk clock.Clock
}

const entryColumns = `key, source, state, discovered_at, last_fetched_at, http_status,
	exact_hash, signature, downstream_id, retry_count, last_error,
	etag, last_modified, content_length, metadata, created_at, updated_at`

// New creates a Store backed by a fresh pgx connection pool.
func New(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return NewWithPool(pool, clk), nil
}

// NewWithPool wraps an existing pool (or a pgxmock pool in tests).
func NewWithPool(db DB, clk clock.Clock) *Store {
	return &Store{db: db, clk: clk}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Upsert records the discovery of key. An existing row is returned unchanged.
func (s *Store) Upsert(ctx context.Context, key, source string, metadata ledger.Metadata) (ledger.Entry, bool, error) {
	now := s.clk.Now()
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return ledger.Entry{}, false, err
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO ledger_entries (key, source, state, discovered_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING;
	`, key, source, string(ledger.StateDiscovered), now, meta, now, now)
	if err != nil {
		return ledger.Entry{}, false, &ledger.TransientError{Err: fmt.Errorf("upsert entry: %w", err)}
	}

	entry, err := s.Get(ctx, key)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, tag.RowsAffected() > 0, nil
}

// Get loads a single entry by key.
func (s *Store) Get(ctx context.Context, key string) (ledger.Entry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE key = $1;`, key)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	keyArg := strconv.Itoa(len(args) - 1)
	stateArg := strconv.Itoa(len(args))

	tag, err := s.db.Exec(ctx,
		`UPDATE ledger_entries SET `+set+` WHERE key = $`+keyArg+` AND state = $`+stateArg+`;`,
		args...)
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("transition entry: %w", err)}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

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
	tag, err := s.db.Exec(ctx, `
		UPDATE ledger_entries
		SET state = $1,
		    retry_count = CASE WHEN state = 'failed' THEN retry_count ELSE 0 END,
		    last_error = '',
		    updated_at = $2
		WHERE key = $3 AND state = ANY($4);
	`, string(ledger.StateDiscovered), s.clk.Now(), key, []string{
		string(ledger.StateFailed), string(ledger.StateProcessed),
		string(ledger.StateDuplicate), string(ledger.StateSkipped),
	})
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("requeue entry: %w", err)}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return nil
}

// GetPending returns discovered and fetched entries oldest-first.
func (s *Store) GetPending(ctx context.Context, source string, limit int) ([]ledger.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE source = $1 AND state = ANY($2)
		ORDER BY discovered_at ASC
		LIMIT $3;
	`, source, []string{string(ledger.StateDiscovered), string(ledger.StateFetched)}, limit)
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
	rows, err := s.db.Query(ctx, `
		SELECT state, COUNT(*) FROM ledger_entries WHERE source = $1 GROUP BY state;
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
	tag, err := s.db.Exec(ctx, `
		DELETE FROM ledger_entries
		WHERE state = $1 AND retry_count >= $2 AND updated_at < $3;
	`, string(ledger.StateFailed), maxRetries, olderThan)
	if err != nil {
		return 0, &ledger.TransientError{Err: fmt.Errorf("sweep failed entries: %w", err)}
	}
	return tag.RowsAffected(), nil
}

// ReplayDedup streams every hashed entry to fn for an index rebuild.
func (s *Store) ReplayDedup(ctx context.Context, fn func(ledger.DedupRecord) error) error {
	rows, err := s.db.Query(ctx, `
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
	err := s.db.QueryRow(ctx, `
		SELECT feed_key, source, last_polled_at, items_found_last_poll, total_polls
		FROM feed_cursors WHERE feed_key = $1;
	`, feedKey).Scan(&cur.FeedKey, &cur.Source, &cur.LastPolledAt, &cur.ItemsFoundLastPoll, &cur.TotalPolls)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.FeedCursor{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.FeedCursor{}, &ledger.TransientError{Err: fmt.Errorf("get cursor: %w", err)}
	}
	return cur, nil
}

// PutCursor inserts or replaces the feed cursor.
func (s *Store) PutCursor(ctx context.Context, cur ledger.FeedCursor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO feed_cursors (feed_key, source, last_polled_at, items_found_last_poll, total_polls)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (feed_key) DO UPDATE SET
			last_polled_at = EXCLUDED.last_polled_at,
			items_found_last_poll = EXCLUDED.items_found_last_poll,
			total_polls = EXCLUDED.total_polls;
	`, cur.FeedKey, cur.Source, cur.LastPolledAt, cur.ItemsFoundLastPoll, cur.TotalPolls)
	if err != nil {
		return &ledger.TransientError{Err: fmt.Errorf("put cursor: %w", err)}
	}
	return nil
}

// buildSet assembles the numbered SET clause for a transition.
func buildSet(fields ledger.TransitionFields, next ledger.State, now time.Time) (string, []any) {
	set := "state = $1, updated_at = $2"
	args := []any{string(next), now}
	n := 2

	add := func(col string, v any) {
		n++
		set += fmt.Sprintf(", %s = $%d", col, n)
		args = append(args, v)
	}

	if next == ledger.StateFailed {
		set += ", retry_count = retry_count + 1"
	}
	if fields.HTTPStatus != nil {
		add("http_status", *fields.HTTPStatus)
	}
	if fields.LastFetchedAt != nil {
		add("last_fetched_at", *fields.LastFetchedAt)
	}
	if fields.ExactHash != "" {
		add("exact_hash", fields.ExactHash)
	}
	if len(fields.Signature) > 0 {
		add("signature", ledger.EncodeSignature(fields.Signature))
	}
	if fields.DownstreamID != "" {
		add("downstream_id", fields.DownstreamID)
	}
	if fields.ETag != "" {
		add("etag", fields.ETag)
	}
	if fields.LastModified != "" {
		add("last_modified", fields.LastModified)
	}
	if fields.ContentLength != nil {
		add("content_length", *fields.ContentLength)
	}
	if fields.LastError != "" {
		add("last_error", fields.LastError)
	}
	if len(fields.Metadata) > 0 {
		meta, _ := json.Marshal(fields.Metadata)
		n++
		set += fmt.Sprintf(", metadata = metadata || $%d::jsonb", n)
		args = append(args, meta)
	}
	return set, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entry    ledger.Entry
		state    string
		sigBlob  []byte
		metaJSON []byte
	)
	err := row.Scan(
		&entry.Key, &entry.Source, &state, &entry.DiscoveredAt, &entry.LastFetchedAt, &entry.HTTPStatus,
		&entry.ExactHash, &sigBlob, &entry.DownstreamID, &entry.RetryCount, &entry.LastError,
		&entry.ETag, &entry.LastModified, &entry.ContentLength, &metaJSON, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry.State = ledger.State(state)
	if entry.Signature, err = ledger.DecodeSignature(sigBlob); err != nil {
		return ledger.Entry{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

func marshalMetadata(m ledger.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
