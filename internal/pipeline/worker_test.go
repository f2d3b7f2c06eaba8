package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/policy"
	"github.com/corpusforge/harvester/internal/tracker"
)

type stubPolicy struct {
	mu     sync.Mutex
	denied map[string]string
}

func (p *stubPolicy) MayFetch(_ context.Context, _, key string) (policy.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reason, ok := p.denied[key]; ok {
		return policy.Decision{Reason: reason}, nil
	}
	return policy.Decision{Allowed: true}, nil
}

func (p *stubPolicy) Wait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]FetchResult
	errs    map[string]error
	calls   map[string]int
	block   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string, _ *policy.ConditionalHints) (FetchResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[key]++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		}
	}
	if err, ok := f.errs[key]; ok {
		return FetchResult{}, err
	}
	return f.results[key], nil
}

func (f *fakeFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newTestWorker(f *coreFixture, pol FetchPolicy, fetcher Fetcher, sources ...string) *Worker {
	return NewWorker(f.core, f.store, pol, fetcher, f.run, f.clk, zap.NewNop(), WorkerConfig{
		Workers:   2,
		BatchSize: 10,
		Sources:   sources,
	})
}

func TestWorkerDrainsDiscoveredEntries(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx := context.Background()

	fetcher := &fakeFetcher{results: map[string]FetchResult{}}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("https://x/%d", i)
		_, _, err := f.core.Discover(ctx, key, "bbc", nil)
		require.NoError(t, err)
		// Word sets are disjoint across documents so none register as
		// near-duplicates of each other.
		var text string
		for w := 0; w < 30; w++ {
			text += fmt.Sprintf("doc%d word%d ", i, w)
		}
		fetcher.results[key] = FetchResult{HTTPStatus: 200, Bytes: 1024, Text: text}
	}

	w := newTestWorker(f, &stubPolicy{}, fetcher, "bbc")
	require.NoError(t, w.Run(ctx))

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("https://x/%d", i)
		got, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateFetched, got.State, key)
		assert.Equal(t, 1, fetcher.callCount(key), key)
	}
	snap := f.run.Snapshot()
	assert.Equal(t, int64(3), snap.Volume["bbc"][tracker.StageFetched])
}

func TestWorkerMarksFetchFailures(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx := context.Background()

	_, _, err := f.core.Discover(ctx, "https://x/1", "bbc", nil)
	require.NoError(t, err)
	fetcher := &fakeFetcher{errs: map[string]error{"https://x/1": errors.New("connection reset")}}

	w := newTestWorker(f, &stubPolicy{}, fetcher, "bbc")
	require.NoError(t, w.Run(ctx))

	got, err := f.store.Get(ctx, "https://x/1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, got.State)
	assert.Contains(t, got.LastError, "connection reset")
}

func TestWorkerHonorsDenial(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx := context.Background()

	_, _, err := f.core.Discover(ctx, "https://x/1", "bbc", nil)
	require.NoError(t, err)
	fetcher := &fakeFetcher{}

	pol := &stubPolicy{denied: map[string]string{"https://x/1": policy.ReasonRetryExhausted}}
	w := newTestWorker(f, pol, fetcher, "bbc")
	require.NoError(t, w.Run(ctx))

	got, err := f.store.Get(ctx, "https://x/1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDiscovered, got.State)
	assert.Zero(t, fetcher.callCount("https://x/1"))
	assert.Equal(t, int64(1), f.run.Snapshot().Issues["retry_exhausted"])
}

func TestWorkerCancelLeavesPreFetchState(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := f.core.Discover(ctx, "https://x/1", "bbc", nil)
	require.NoError(t, err)
	fetcher := &fakeFetcher{block: make(chan struct{})}

	w := newTestWorker(f, &stubPolicy{}, fetcher, "bbc")
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return fetcher.callCount("https://x/1") > 0 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	err = <-done
	require.ErrorIs(t, err, context.Canceled)

	got, err := f.store.Get(context.Background(), "https://x/1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDiscovered, got.State)
}

// outageStore fails GetPending for the first failUntil calls, then
// delegates. failUntil < 0 keeps it failing forever.
type outageStore struct {
	ledger.Store
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (s *outageStore) GetPending(ctx context.Context, source string, limit int) ([]ledger.Entry, error) {
	s.mu.Lock()
	s.calls++
	failing := s.failUntil < 0 || s.calls <= s.failUntil
	s.mu.Unlock()
	if failing {
		return nil, &ledger.TransientError{Err: errors.New("dial ledger: connection refused")}
	}
	return s.Store.GetPending(ctx, source, limit)
}

func TestWorkerFailsRunWhenScanBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx := context.Background()

	_, _, err := f.core.Discover(ctx, "https://x/1", "bbc", nil)
	require.NoError(t, err)

	store := &outageStore{Store: f.store, failUntil: -1}
	fetcher := &fakeFetcher{results: map[string]FetchResult{}}
	w := NewWorker(f.core, store, &stubPolicy{}, fetcher, f.run, f.clk, zap.NewNop(), WorkerConfig{
		Workers:     2,
		BatchSize:   10,
		Sources:     []string{"bbc"},
		ScanRetries: 2,
		ScanBackoff: time.Millisecond,
	})

	err = w.Run(ctx)
	require.Error(t, err)
	assert.True(t, ledger.IsTransient(err), "scan exhaustion must surface the store error")
	assert.Equal(t, 0, fetcher.callCount("https://x/1"))
	// One initial attempt plus the retry budget.
	assert.Equal(t, 3, store.calls)
}

func TestWorkerRecoversFromTransientScanFailures(t *testing.T) {
	t.Parallel()
	f := newCoreFixture(t, Config{})
	ctx := context.Background()

	_, _, err := f.core.Discover(ctx, "https://x/1", "bbc", nil)
	require.NoError(t, err)

	store := &outageStore{Store: f.store, failUntil: 2}
	fetcher := &fakeFetcher{results: map[string]FetchResult{
		"https://x/1": {HTTPStatus: 200},
	}}
	w := NewWorker(f.core, store, &stubPolicy{}, fetcher, f.run, f.clk, zap.NewNop(), WorkerConfig{
		Workers:     2,
		BatchSize:   10,
		Sources:     []string{"bbc"},
		ScanRetries: 3,
		ScanBackoff: time.Millisecond,
	})

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 1, fetcher.callCount("https://x/1"))

	entry, err := f.store.Get(ctx, "https://x/1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFetched, entry.State)
}
