// Package filter holds pluggable quality predicates applied to extracted
// text before it is admitted to the corpus. Filters are opaque to the rest
// of the pipeline; only pass and reject counts flow into metrics.
package filter

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Filter judges a single canonicalized text.
type Filter interface {
	// Name labels the filter in rejection metrics.
	Name() string
	// Accept returns false with a short reason when the text should be
	// dropped.
	Accept(text string) (bool, string)
}

// Chain applies filters in order and rejects on the first failure.
type Chain struct {
	filters []Filter
}

// NewChain builds a chain from the given filters.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Accept runs the chain. On rejection it returns the rejecting filter's
// name and reason.
func (c *Chain) Accept(text string) (ok bool, filterName, reason string) {
	for _, f := range c.filters {
		if pass, why := f.Accept(text); !pass {
			return false, f.Name(), why
		}
	}
	return true, "", ""
}

// MinLength rejects texts shorter than Chars runes.
type MinLength struct {
	Chars int
}

func (f MinLength) Name() string { return "min_length" }

func (f MinLength) Accept(text string) (bool, string) {
	if n := utf8.RuneCountInString(text); n < f.Chars {
		return false, fmt.Sprintf("%d chars, need %d", n, f.Chars)
	}
	return true, ""
}

// MaxLength rejects texts longer than Chars runes.
type MaxLength struct {
	Chars int
}

func (f MaxLength) Name() string { return "max_length" }

func (f MaxLength) Accept(text string) (bool, string) {
	if n := utf8.RuneCountInString(text); n > f.Chars {
		return false, fmt.Sprintf("%d chars, limit %d", n, f.Chars)
	}
	return true, ""
}

// LineDensity rejects texts where too many lines look like navigation or
// boilerplate fragments rather than prose. A line is short when it has
// fewer than MinWords words; the text fails when the short-line fraction
// exceeds MaxShortFraction.
type LineDensity struct {
	MinWords         int
	MaxShortFraction float64
}

func (f LineDensity) Name() string { return "line_density" }

func (f LineDensity) Accept(text string) (bool, string) {
	lines := strings.Split(text, "\n")
	var total, short int
	for _, line := range lines {
		words := len(strings.Fields(line))
		if words == 0 {
			continue
		}
		total++
		if words < f.MinWords {
			short++
		}
	}
	if total == 0 {
		return false, "no content lines"
	}
	frac := float64(short) / float64(total)
	if frac > f.MaxShortFraction {
		return false, fmt.Sprintf("%.0f%% short lines", frac*100)
	}
	return true, ""
}
