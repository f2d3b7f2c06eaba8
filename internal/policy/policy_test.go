package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubEntries struct {
	entries map[string]ledger.Entry
}

func (s *stubEntries) Get(_ context.Context, key string) (ledger.Entry, error) {
	e, ok := s.entries[key]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return e, nil
}

var policyStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestPolicy(cfg Config, entries map[string]ledger.Entry, quota *tracker.Quota) (*Policy, *fakeClock) {
	clk := newFakeClock(policyStart)
	return New(&stubEntries{entries: entries}, quota, clk, cfg), clk
}

func TestMayFetchQuotaExhausted(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(policyStart)
	quota := tracker.NewQuota(1, nil, clk)
	quota.Increment("wikipedia", 1)

	p := New(&stubEntries{}, quota, clk, Config{})
	d, err := p.MayFetch(context.Background(), "wikipedia", "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExhausted, d.Reason)
}

func TestMayFetchRetryExhausted(t *testing.T) {
	t.Parallel()

	entries := map[string]ledger.Entry{
		"k1": {Key: "k1", Source: "bbc", RetryCount: 5},
	}
	p, _ := newTestPolicy(Config{MaxRetries: 5}, entries, nil)
	d, err := p.MayFetch(context.Background(), "bbc", "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRetryExhausted, d.Reason)
}

func TestMayFetchConditionalHints(t *testing.T) {
	t.Parallel()

	entries := map[string]ledger.Entry{
		"k1": {Key: "k1", ETag: `"abc"`, LastModified: "Mon, 02 Jun 2025 00:00:00 GMT"},
	}
	p, _ := newTestPolicy(Config{}, entries, nil)
	d, err := p.MayFetch(context.Background(), "bbc", "k1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NotNil(t, d.Conditional)
	assert.Equal(t, `"abc"`, d.Conditional.ETag)
	assert.Equal(t, "Mon, 02 Jun 2025 00:00:00 GMT", d.Conditional.LastModified)
}

func TestMayFetchUnknownKeyAllowed(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(Config{}, nil, nil)
	d, err := p.MayFetch(context.Background(), "bbc", "never-seen")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Conditional)
	assert.Zero(t, d.Wait)
}

func TestMayFetchTokenBucketDelays(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(Config{DefaultRPS: 2, DefaultBurst: 1}, nil, nil)
	ctx := context.Background()

	first, err := p.MayFetch(ctx, "bbc", "a")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Zero(t, first.Wait)

	second, err := p.MayFetch(ctx, "bbc", "b")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Greater(t, second.Wait, time.Duration(0))
	assert.Equal(t, ReasonRateLimited, second.Reason)
}

func TestBackoffDoublesAndResets(t *testing.T) {
	t.Parallel()

	cfg := Config{BackoffBase: 30 * time.Second, BackoffMax: 2 * time.Minute}
	p, clk := newTestPolicy(cfg, nil, nil)
	ctx := context.Background()

	p.RecordOutcome("bbc", 429)
	d, err := p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d.Wait)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	p.RecordOutcome("bbc", 503)
	d, err = p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.Wait)

	// Cap honored.
	p.RecordOutcome("bbc", 429)
	p.RecordOutcome("bbc", 429)
	d, err = p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d.Wait)

	// A 304 leaves the state alone, a 2xx clears it.
	p.RecordOutcome("bbc", 304)
	d, err = p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d.Wait)

	p.RecordOutcome("bbc", 200)
	d, err = p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Zero(t, d.Wait)

	// Backoff also drains with time.
	p.RecordOutcome("bbc", 429)
	clk.Advance(time.Hour)
	d, err = p.MayFetch(ctx, "bbc", "k")
	require.NoError(t, err)
	assert.Zero(t, d.Wait)
}

func TestBackoffIsPerSource(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(Config{BackoffBase: time.Minute}, nil, nil)
	p.RecordOutcome("bbc", 429)

	d, err := p.MayFetch(context.Background(), "wikipedia", "k")
	require.NoError(t, err)
	assert.Zero(t, d.Wait)
}

func TestNextPollAdaptiveCadence(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(Config{
		PollBase: 10 * time.Minute,
		PollMin:  2 * time.Minute,
		PollMax:  15 * time.Minute,
	}, nil, nil)

	assert.Zero(t, p.NextPoll(ledger.FeedCursor{}))
	assert.Equal(t, 5*time.Minute, p.NextPoll(ledger.FeedCursor{TotalPolls: 3, ItemsFoundLastPoll: 4}))
	assert.Equal(t, 15*time.Minute, p.NextPoll(ledger.FeedCursor{TotalPolls: 3}))
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(Config{}, nil, nil)

	require.NoError(t, p.Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Wait(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
