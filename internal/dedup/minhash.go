package dedup

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// saltSeparator cannot occur inside a shingle (shingles are space-joined
// words), so appending it yields an independent second hash of the same
// token.
const saltSeparator = "\x00minhash-salt"

// MinHasher computes fixed-width MinHash signatures. The i-th permutation is
// simulated with double hashing, g_i(x) = h1(x) + i*h2(x) + i*i, so only two
// xxhash evaluations are needed per shingle regardless of width.
type MinHasher struct {
	width int
}

// NewMinHasher creates a MinHasher producing signatures of the given width.
func NewMinHasher(width int) *MinHasher {
	if width <= 0 {
		width = 128
	}
	return &MinHasher{width: width}
}

// Width returns the signature length.
func (m *MinHasher) Width() int { return m.width }

// Signature computes the MinHash signature of a shingle set. For each of the
// width permutations it keeps the minimum hash over all shingles, making
// P[sig_i(A) == sig_i(B)] equal to the Jaccard similarity of A and B.
// An empty shingle set yields a nil signature.
func (m *MinHasher) Signature(shingles []string) []uint64 {
	if len(shingles) == 0 {
		return nil
	}
	sig := make([]uint64, m.width)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, s := range shingles {
		h1 := xxhash.Sum64String(s)
		h2 := xxhash.Sum64String(s + saltSeparator)
		for i := 0; i < m.width; i++ {
			ui := uint64(i)
			g := h1 + ui*h2 + ui*ui
			if g < sig[i] {
				sig[i] = g
			}
		}
	}
	return sig
}

// EstimateSimilarity returns the fraction of matching positions between two
// signatures, an unbiased estimator of Jaccard similarity. Signatures of
// different widths are incomparable and score zero.
func EstimateSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}
