package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinLength(t *testing.T) {
	t.Parallel()

	f := MinLength{Chars: 10}
	ok, _ := f.Accept("short")
	assert.False(t, ok)
	ok, _ = f.Accept("long enough text")
	assert.True(t, ok)

	// Runes, not bytes.
	ok, _ = f.Accept("héllo wörld")
	assert.True(t, ok)
}

func TestMaxLength(t *testing.T) {
	t.Parallel()

	f := MaxLength{Chars: 10}
	ok, reason := f.Accept(strings.Repeat("a", 11))
	assert.False(t, ok)
	assert.Contains(t, reason, "limit 10")
	ok, _ = f.Accept("fits")
	assert.True(t, ok)
}

func TestLineDensity(t *testing.T) {
	t.Parallel()

	f := LineDensity{MinWords: 4, MaxShortFraction: 0.5}

	prose := "the quick brown fox jumps over the lazy dog\n" +
		"pack my box with five dozen liquor jugs\n" +
		"Home\n"
	ok, _ := f.Accept(prose)
	assert.True(t, ok)

	nav := "Home\nAbout\nContact\nthe quick brown fox jumps\n"
	ok, reason := f.Accept(nav)
	assert.False(t, ok)
	assert.Contains(t, reason, "short lines")

	ok, reason = f.Accept("\n\n\n")
	assert.False(t, ok)
	assert.Equal(t, "no content lines", reason)
}

func TestChainShortCircuits(t *testing.T) {
	t.Parallel()

	c := NewChain(MinLength{Chars: 5}, MaxLength{Chars: 20})

	ok, name, _ := c.Accept("hi")
	assert.False(t, ok)
	assert.Equal(t, "min_length", name)

	ok, name, _ = c.Accept(strings.Repeat("x", 30))
	assert.False(t, ok)
	assert.Equal(t, "max_length", name)

	ok, name, reason := c.Accept("just right here")
	assert.True(t, ok)
	assert.Empty(t, name)
	assert.Empty(t, reason)
}

func TestEmptyChainAcceptsEverything(t *testing.T) {
	t.Parallel()

	ok, _, _ := NewChain().Accept("")
	assert.True(t, ok)
}
