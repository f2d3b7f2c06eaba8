// Package policy decides whether a fetch attempt may proceed and how long
// the caller should wait first. It combines daily quotas, retry ceilings,
// per-source token buckets, and exponential failure backoff into a single
// Decision; actually sleeping is the caller's job.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/metrics"
	"github.com/corpusforge/harvester/internal/tracker"
)

// Denial reasons surfaced in Decision.Reason and the fetch-denied metric.
const (
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonRateLimited    = "rate_limited"
)

// EntrySource is the slice of the ledger the policy reads. Narrow on
// purpose so tests can hand in a stub.
type EntrySource interface {
	Get(ctx context.Context, key string) (ledger.Entry, error)
}

// ConditionalHints carries validators for a conditional GET when the ledger
// has seen this key before.
type ConditionalHints struct {
	ETag         string
	LastModified string
}

// Decision is the policy's answer for one fetch attempt. Allowed false is a
// hard denial for this attempt; Allowed true with a non-zero Wait means the
// caller should sleep that long before fetching.
type Decision struct {
	Allowed     bool
	Wait        time.Duration
	Reason      string
	Conditional *ConditionalHints
}

// Config tunes the policy.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	// Feed polling cadence bounds for NextPoll.
	PollBase time.Duration
	PollMin  time.Duration
	PollMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.PollBase <= 0 {
		c.PollBase = 5 * time.Minute
	}
	if c.PollMin <= 0 {
		c.PollMin = time.Minute
	}
	if c.PollMax <= 0 {
		c.PollMax = time.Hour
	}
}

type backoffState struct {
	failures int
	delay    time.Duration
	until    time.Time
}

// Policy evaluates fetch attempts for all sources of a run.
type Policy struct {
	store EntrySource
	quota *tracker.Quota
	clk   clock.Clock
	cfg   Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoff  map[string]*backoffState
}

// New builds a Policy over the given ledger view and quota tracker.
func New(store EntrySource, quota *tracker.Quota, clk clock.Clock, cfg Config) *Policy {
	cfg.applyDefaults()
	return &Policy{
		store:    store,
		quota:    quota,
		clk:      clk,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		backoff:  make(map[string]*backoffState),
	}
}

// MayFetch decides whether key may be fetched from source right now.
// Checks run cheapest-first: quota, then the entry's retry ceiling, then
// the per-source token bucket combined with failure backoff.
func (p *Policy) MayFetch(ctx context.Context, source, key string) (Decision, error) {
	if p.quota != nil && p.quota.Exhausted(source) {
		metrics.ObserveFetchDenied(source, ReasonQuotaExhausted)
		return Decision{Reason: ReasonQuotaExhausted}, nil
	}

	var hints *ConditionalHints
	entry, err := p.store.Get(ctx, key)
	switch {
	case err == nil:
		if entry.RetryCount >= p.cfg.MaxRetries {
			metrics.ObserveFetchDenied(source, ReasonRetryExhausted)
			return Decision{Reason: ReasonRetryExhausted}, nil
		}
		if entry.ETag != "" || entry.LastModified != "" {
			hints = &ConditionalHints{ETag: entry.ETag, LastModified: entry.LastModified}
		}
	case errors.Is(err, ledger.ErrNotFound):
		// Unknown key: nothing to throttle on besides the bucket.
	default:
		return Decision{}, fmt.Errorf("read entry %q: %w", key, err)
	}

	wait := p.reserve(source)
	if until := p.backoffRemaining(source); until > wait {
		wait = until
	}
	d := Decision{Allowed: true, Wait: wait, Conditional: hints}
	if wait > 0 {
		d.Reason = ReasonRateLimited
	}
	return d, nil
}

// RecordOutcome feeds a fetch result back into the backoff state. A 2xx
// clears accumulated failures, 429 and 503 double the source's backoff, and
// a 304 leaves everything untouched.
func (p *Policy) RecordOutcome(source string, httpStatus int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case httpStatus >= 200 && httpStatus < 300:
		delete(p.backoff, source)
	case httpStatus == 304:
		// Unchanged content is a healthy response.
	case httpStatus == 429 || httpStatus == 503:
		b, ok := p.backoff[source]
		if !ok {
			b = &backoffState{delay: p.cfg.BackoffBase}
			p.backoff[source] = b
		} else {
			b.delay *= 2
			if b.delay > p.cfg.BackoffMax {
				b.delay = p.cfg.BackoffMax
			}
		}
		b.failures++
		b.until = p.clk.Now().Add(b.delay)
	}
}

// NextPoll returns how long to wait before polling a feed again. A poll
// that found items shortens the interval; an idle poll stretches it toward
// the configured ceiling.
func (p *Policy) NextPoll(cursor ledger.FeedCursor) time.Duration {
	if cursor.TotalPolls == 0 {
		return 0
	}
	if cursor.ItemsFoundLastPoll > 0 {
		d := p.cfg.PollBase / 2
		if d < p.cfg.PollMin {
			d = p.cfg.PollMin
		}
		return d
	}
	d := p.cfg.PollBase * 2
	if d > p.cfg.PollMax {
		d = p.cfg.PollMax
	}
	return d
}

// Wait sleeps for d, returning early with the context's error if it is
// cancelled first.
func (p *Policy) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("policy wait: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// reserve takes a token from the source's bucket and returns the delay the
// reservation demands.
func (p *Policy) reserve(source string) time.Duration {
	p.mu.Lock()
	lim, ok := p.limiters[source]
	if !ok {
		r := rate.Limit(p.cfg.DefaultRPS)
		if p.cfg.DefaultRPS <= 0 {
			r = rate.Inf
		}
		lim = rate.NewLimiter(r, p.cfg.DefaultBurst)
		p.limiters[source] = lim
	}
	p.mu.Unlock()
	return lim.Reserve().Delay()
}

func (p *Policy) backoffRemaining(source string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backoff[source]
	if !ok {
		return 0
	}
	rem := b.until.Sub(p.clk.Now())
	if rem < 0 {
		return 0
	}
	return rem
}
