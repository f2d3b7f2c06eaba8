// Package dedup detects duplicate content, exactly via SHA-256 over
// canonicalized text and approximately via MinHash signatures bucketed with
// LSH banding.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonicalize collapses all whitespace runs to single spaces and trims the
// ends. Case is preserved: "republished with different casing" is a
// near-duplicate question, not an exact-duplicate one.
func Canonicalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ExactHash returns the hex SHA-256 digest of canonical text.
func ExactHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Shingle splits canonical text into overlapping k-word shingles. Texts
// shorter than k words produce a single shingle so they still get a
// signature.
func Shingle(canonical string, k int) []string {
	if k <= 0 {
		k = 1
	}
	words := strings.Split(canonical, " ")
	if canonical == "" {
		return nil
	}
	if len(words) <= k {
		return []string{canonical}
	}

	seen := make(map[string]struct{}, len(words)-k+1)
	shingles := make([]string, 0, len(words)-k+1)
	for i := 0; i+k <= len(words); i++ {
		s := strings.Join(words[i:i+k], " ")
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		shingles = append(shingles, s)
	}
	return shingles
}
