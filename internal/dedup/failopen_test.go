package dedup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenChecker struct{ err error }

func (b *brokenChecker) CheckExact(string) (bool, string, error) { return false, "", b.err }
func (b *brokenChecker) CheckNear([]uint64, float64) (bool, []string, error) {
	return false, nil, b.err
}
func (b *brokenChecker) Register(string, string, []uint64) error { return b.err }

func TestFailOpenSwallowsIndexErrors(t *testing.T) {
	t.Parallel()

	f := NewFailOpen(&brokenChecker{err: errors.New("index offline")}, zap.NewNop())

	dup, key := f.CheckExact("cafe")
	assert.False(t, dup, "unavailable index must fail open")
	assert.Empty(t, key)

	dup, matches := f.CheckNear(make([]uint64, 128), 0.8)
	assert.False(t, dup)
	assert.Nil(t, matches)

	require.NotPanics(t, func() { f.Register("k", "cafe", nil) })
}

func TestFailOpenPassesThroughHealthyIndex(t *testing.T) {
	t.Parallel()

	ix := NewIndex(Config{})
	f := NewFailOpen(ix, zap.NewNop())

	f.Register("k", "cafe", nil)
	dup, key := f.CheckExact("cafe")
	assert.True(t, dup)
	assert.Equal(t, "k", key)
}
