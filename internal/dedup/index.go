package dedup

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/corpusforge/harvester/internal/ledger"
)

// Config tunes the LSH banding layout. Bands*Rows must equal the signature
// width of the MinHasher feeding the index.
type Config struct {
	// Bands is the number of LSH bands (b). Default 32.
	Bands int
	// Rows is the number of signature positions per band (r). Default 4.
	Rows int
	// Threshold is the minimum estimated Jaccard similarity for a candidate
	// to be confirmed as a near-duplicate. Default 0.8.
	Threshold float64
}

// Normalize fills unset fields with the default LSH layout.
func (c *Config) Normalize() {
	if c.Bands <= 0 {
		c.Bands = 32
	}
	if c.Rows <= 0 {
		c.Rows = 4
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.8
	}
}

// Width returns the signature width implied by the band layout.
func (c Config) Width() int { return c.Bands * c.Rows }

// Index is an in-memory dedup index: an exact-hash map plus LSH buckets.
// It is derived state, rebuildable from the ledger, and safe for concurrent
// use. All operations are O(1) amortized in the number of bands.
type Index struct {
	cfg Config

	mu         sync.RWMutex
	exact      map[string]string   // exact hash -> first key seen
	buckets    map[uint64][]string // band bucket -> candidate keys
	signatures map[string][]uint64 // key -> registered signature
}

// NewIndex creates an empty Index.
func NewIndex(cfg Config) *Index {
	cfg.Normalize()
	return &Index{
		cfg:        cfg,
		exact:      make(map[string]string),
		buckets:    make(map[uint64][]string),
		signatures: make(map[string][]uint64),
	}
}

// CheckExact reports whether hash was already registered and by which key.
func (ix *Index) CheckExact(hash string) (bool, string, error) {
	if hash == "" {
		return false, "", nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	key, ok := ix.exact[hash]
	return ok, key, nil
}

// CheckNear reports near-duplicate matches for sig. Candidates are every key
// sharing at least one band bucket; each is confirmed against the threshold
// by the fraction of matching signature positions.
func (ix *Index) CheckNear(sig []uint64, threshold float64) (bool, []string, error) {
	if len(sig) != ix.cfg.Width() {
		if len(sig) == 0 {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("signature width %d does not match index layout %dx%d",
			len(sig), ix.cfg.Bands, ix.cfg.Rows)
	}
	if threshold <= 0 {
		threshold = ix.cfg.Threshold
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(map[string]struct{})
	for band := 0; band < ix.cfg.Bands; band++ {
		for _, key := range ix.buckets[ix.bandBucket(band, sig)] {
			candidates[key] = struct{}{}
		}
	}

	var matches []string
	for key := range candidates {
		if EstimateSimilarity(sig, ix.signatures[key]) >= threshold {
			matches = append(matches, key)
		}
	}
	return len(matches) > 0, matches, nil
}

// Register adds a key's hash and signature to the index. Re-registering a
// key replaces its signature (a re-fetch supersedes the old content).
func (ix *Index) Register(key, hash string, sig []uint64) error {
	if len(sig) != 0 && len(sig) != ix.cfg.Width() {
		return fmt.Errorf("signature width %d does not match index layout %dx%d",
			len(sig), ix.cfg.Bands, ix.cfg.Rows)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if hash != "" {
		if _, exists := ix.exact[hash]; !exists {
			ix.exact[hash] = key
		}
	}
	if len(sig) == 0 {
		return nil
	}
	if _, known := ix.signatures[key]; !known {
		for band := 0; band < ix.cfg.Bands; band++ {
			bucket := ix.bandBucket(band, sig)
			ix.buckets[bucket] = append(ix.buckets[bucket], key)
		}
	}
	ix.signatures[key] = sig
	return nil
}

// Len returns the number of registered signatures.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.signatures)
}

// bandBucket hashes one band of the signature into a bucket id. The band
// index is mixed in so identical row values in different bands never share
// a bucket.
func (ix *Index) bandBucket(band int, sig []uint64) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(band))
	_, _ = d.Write(buf[:])
	for _, v := range sig[band*ix.cfg.Rows : (band+1)*ix.cfg.Rows] {
		binary.BigEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Sharded fans an Index out per source so concurrent workers on different
// sources never contend on one mutex. Duplicate detection is scoped to the
// source, matching how re-scrapes and republications occur.
type Sharded struct {
	cfg Config

	mu     sync.Mutex
	shards map[string]*Index
}

// NewSharded creates an empty per-source shard set.
func NewSharded(cfg Config) *Sharded {
	cfg.Normalize()
	return &Sharded{cfg: cfg, shards: make(map[string]*Index)}
}

// Shard returns the Index for source, creating it on first use.
func (s *Sharded) Shard(source string) *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.shards[source]
	if !ok {
		ix = NewIndex(s.cfg)
		s.shards[source] = ix
	}
	return ix
}

// Rebuild repopulates the shards by replaying every hashed ledger entry.
// The index is derived state; this runs at startup before workers begin.
func (s *Sharded) Rebuild(ctx context.Context, store ledger.Store) error {
	err := store.ReplayDedup(ctx, func(rec ledger.DedupRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.Shard(rec.Source).Register(rec.Key, rec.ExactHash, rec.Signature)
	})
	if err != nil {
		return fmt.Errorf("rebuild dedup index: %w", err)
	}
	return nil
}
