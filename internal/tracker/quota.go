package tracker

import (
	"sync"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/metrics"
)

// dayFormat keys quota windows by UTC calendar day.
const dayFormat = "2006-01-02"

// QuotaState reports the current quota window for one source.
type QuotaState struct {
	Source          string `json:"source"`
	Day             string `json:"day"`
	RecordsIngested int64  `json:"records_ingested"`
	Limit           int64  `json:"limit"`
	QuotaHit        bool   `json:"quota_hit"`
}

type quotaDay struct {
	day      string
	ingested int64
	hit      bool
}

// Quota enforces per-source, per-calendar-day ingestion ceilings. Once a
// source hits its limit the hit flag stays set for the rest of that UTC day
// even if no further increments arrive; the next day it resets.
type Quota struct {
	clk          clock.Clock
	defaultLimit int64
	overrides    map[string]int64

	mu   sync.Mutex
	days map[string]*quotaDay
}

// NewQuota builds a Quota. defaultLimit <= 0 means unlimited for sources
// without an override; an override <= 0 likewise disables the ceiling for
// that source.
func NewQuota(defaultLimit int64, overrides map[string]int64, clk clock.Clock) *Quota {
	q := &Quota{
		clk:          clk,
		defaultLimit: defaultLimit,
		overrides:    make(map[string]int64, len(overrides)),
		days:         make(map[string]*quotaDay),
	}
	for src, lim := range overrides {
		q.overrides[src] = lim
	}
	return q
}

// Limit returns the effective daily limit for a source, 0 meaning unlimited.
func (q *Quota) Limit(source string) int64 {
	if lim, ok := q.overrides[source]; ok {
		if lim <= 0 {
			return 0
		}
		return lim
	}
	if q.defaultLimit <= 0 {
		return 0
	}
	return q.defaultLimit
}

// Increment records n ingested records for a source and reports whether the
// source is now over quota. The first crossing marks the day as hit.
func (q *Quota) Increment(source string, n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := q.currentLocked(source)
	if n > 0 {
		d.ingested += int64(n)
	}
	lim := q.Limit(source)
	if lim > 0 && d.ingested >= lim && !d.hit {
		d.hit = true
		metrics.ObserveQuotaHit(source)
	}
	return d.hit
}

// Exhausted reports whether the source has hit its quota for the current
// UTC day.
func (q *Quota) Exhausted(source string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentLocked(source).hit
}

// State returns the source's quota window for reporting.
func (q *Quota) State(source string) QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.currentLocked(source)
	return QuotaState{
		Source:          source,
		Day:             d.day,
		RecordsIngested: d.ingested,
		Limit:           q.Limit(source),
		QuotaHit:        d.hit,
	}
}

// currentLocked returns the source's window for today, rolling over and
// resetting counters when the UTC day has changed since the last call.
func (q *Quota) currentLocked(source string) *quotaDay {
	today := q.clk.Now().UTC().Format(dayFormat)
	d, ok := q.days[source]
	if !ok || d.day != today {
		d = &quotaDay{day: today}
		q.days[source] = d
	}
	return d
}
