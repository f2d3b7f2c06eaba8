// Package ledger declares the durable per-unit bookkeeping model and the
// Store interface its backends implement.
//
// One Entry exists per discovered unit of content (a URL, a file record, a
// stream item), keyed by a stable identifier. The ledger is the single
// authority on what state a unit is in; the dedup index and run metrics are
// derived views that can be rebuilt from it.
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// State is the lifecycle position of a ledger entry.
type State string

// Entry states. Processed, duplicate and skipped are terminal; failed is
// re-enterable via an explicit retry.
const (
	StateDiscovered State = "discovered"
	StateFetched    State = "fetched"
	StateProcessed  State = "processed"
	StateDuplicate  State = "duplicate"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// legalTransitions encodes the state graph. A transition not listed here is
// rejected before any storage round-trip.
var legalTransitions = map[State]map[State]bool{
	StateDiscovered: {StateFetched: true, StateFailed: true},
	StateFetched: {
		StateProcessed: true,
		StateDuplicate: true,
		StateSkipped:   true,
		StateFailed:    true,
	},
	StateFailed: {StateDiscovered: true},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDiscovered, StateFetched, StateProcessed, StateDuplicate, StateSkipped, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateProcessed || s == StateDuplicate || s == StateSkipped
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// Metadata is a typed key-value container for source-specific attributes.
// Keys follow the convention "<source>.<attribute>" (e.g. "bbc.section") so
// adapters never collide; the core treats values as opaque.
type Metadata map[string]string

// Get returns the value stored under the namespaced key for a source.
func (m Metadata) Get(source, attr string) (string, bool) {
	v, ok := m[source+"."+attr]
	return v, ok
}

// Set stores a value under the namespaced key for a source.
func (m Metadata) Set(source, attr, value string) {
	m[source+"."+attr] = value
}

// Merge overlays other onto m, key by key.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m[k] = v
	}
}

// Entry is the durable record for one discovered unit.
type Entry struct {
	// Key is the canonicalized identity of the unit. Immutable.
	Key string
	// Source tags the origin system (e.g. "bbc", "wiki", "hf-stream").
	Source string
	// State is the current lifecycle position.
	State State
	// DiscoveredAt is set on first discovery and never modified.
	DiscoveredAt time.Time
	// LastFetchedAt is nil until the first successful fetch.
	LastFetchedAt *time.Time
	// HTTPStatus holds the status of the most recent fetch, when applicable.
	HTTPStatus *int
	// ExactHash is the hex SHA-256 of the canonicalized content. Set once
	// content is fetched; superseded only by a newer fetch, never cleared.
	ExactHash string
	// Signature is the MinHash signature of the canonicalized content.
	Signature []uint64
	// DownstreamID references the output dataset row once written.
	DownstreamID string
	// RetryCount increases on every transition into failed.
	RetryCount int
	// LastError is the most recent failure message, if any.
	LastError string
	// ETag and LastModified support conditional re-fetches.
	ETag         string
	LastModified string
	// ContentLength is the byte length reported by the last fetch.
	ContentLength *int64
	// Metadata carries source-namespaced attributes.
	Metadata Metadata
	// CreatedAt and UpdatedAt are audit timestamps; UpdatedAt is refreshed
	// on every mutation.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransitionFields carries the optional mutations applied alongside a state
// transition. Zero values mean "leave unchanged".
type TransitionFields struct {
	HTTPStatus    *int
	LastFetchedAt *time.Time
	ExactHash     string
	Signature     []uint64
	DownstreamID  string
	ETag          string
	LastModified  string
	ContentLength *int64
	LastError     string
	// Metadata entries are merged into the stored map.
	Metadata Metadata
}

// FeedCursor tracks polling cadence for a pull-based source such as a
// syndication feed. Consumed exclusively by the fetch policy.
type FeedCursor struct {
	FeedKey            string
	Source             string
	LastPolledAt       *time.Time
	ItemsFoundLastPoll int
	TotalPolls         int64
}

// DedupRecord is one (key, hash, signature) triple streamed during an index
// rebuild.
type DedupRecord struct {
	Key       string
	Source    string
	ExactHash string
	Signature []uint64
}

// Store persists ledger entries. Implementations must make Transition an
// atomic per-key compare-and-swap so concurrent workers racing on the same
// key produce exactly one winner.
type Store interface {
	// Upsert records the discovery of key for source. If the key already
	// exists the stored entry is returned unchanged and created is false.
	Upsert(ctx context.Context, key, source string, metadata Metadata) (Entry, bool, error)

	// Get loads a single entry or returns ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Transition atomically moves key from the expected state to next,
	// applying fields. It returns ErrTerminalState when the stored state is
	// terminal, ErrIllegalTransition when (from, next) is not an edge of the
	// state graph, and ErrConflict when another worker moved the entry first.
	Transition(ctx context.Context, key string, from, next State, fields TransitionFields) error

	// Requeue moves a failed or terminal entry back to discovered. It is
	// the force-reprocess escape hatch and the only permitted exit from a
	// terminal state. Keys currently in flight are left untouched.
	Requeue(ctx context.Context, key string) error

	// GetPending returns entries in discovered or fetched state for the
	// source, oldest discovery first, capped at limit.
	GetPending(ctx context.Context, source string, limit int) ([]Entry, error)

	// Stats returns per-state entry counts for the source.
	Stats(ctx context.Context, source string) (map[State]int64, error)

	// SweepFailed deletes failed entries whose retry count reached
	// maxRetries and whose last update predates olderThan. Returns the
	// number of rows removed.
	SweepFailed(ctx context.Context, maxRetries int, olderThan time.Time) (int64, error)

	// ReplayDedup streams every entry carrying an exact hash to fn, for
	// rebuilding the dedup index after a restart.
	ReplayDedup(ctx context.Context, fn func(DedupRecord) error) error

	// GetCursor loads the feed cursor for feedKey or returns ErrNotFound.
	GetCursor(ctx context.Context, feedKey string) (FeedCursor, error)

	// PutCursor inserts or replaces the feed cursor.
	PutCursor(ctx context.Context, cur FeedCursor) error

	// Close releases backend resources.
	Close() error
}

// EncodeSignature packs a MinHash signature into big-endian bytes for
// backend-agnostic storage.
func EncodeSignature(sig []uint64) []byte {
	if len(sig) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// DecodeSignature unpacks a signature previously produced by EncodeSignature.
func DecodeSignature(buf []byte) ([]uint64, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("signature blob length %d is not a multiple of 8", len(buf))
	}
	sig := make([]uint64, len(buf)/8)
	for i := range sig {
		sig[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return sig, nil
}
