// Package system is the wall-clock adapter wired in by the commands; tests
// substitute fakes so quota days and backoff windows can be advanced by hand.
package system

import "time"

// Clock implements clock.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, the zone every ledger timestamp and
// quota day is kept in.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
