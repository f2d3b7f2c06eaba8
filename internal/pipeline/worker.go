package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/metrics"
	"github.com/corpusforge/harvester/internal/policy"
	"github.com/corpusforge/harvester/internal/tracker"
)

// FetchResult is what a source adapter's fetcher returns for one key.
// Text carries canonicalized extracted text when the adapter extracts
// inline; adapters that extract elsewhere leave it empty and call
// ReportExtraction themselves.
type FetchResult struct {
	HTTPStatus   int
	Bytes        int64
	ETag         string
	LastModified string
	Text         string
}

// Fetcher is the injected collaborator that performs the actual retrieval.
type Fetcher interface {
	Fetch(ctx context.Context, key string, hints *policy.ConditionalHints) (FetchResult, error)
}

// FetchPolicy is the slice of the fetch policy the worker consumes.
type FetchPolicy interface {
	MayFetch(ctx context.Context, source, key string) (policy.Decision, error)
	Wait(ctx context.Context, d time.Duration) error
}

// WorkerConfig controls the drain loop.
type WorkerConfig struct {
	Workers   int
	BatchSize int
	Sources   []string

	// ScanRetries bounds how often a transient pending-scan failure is
	// retried per batch before the run fails; ScanBackoff is the first
	// retry delay, doubling on each attempt.
	ScanRetries int
	ScanBackoff time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ScanRetries <= 0 {
		c.ScanRetries = 5
	}
	if c.ScanBackoff <= 0 {
		c.ScanBackoff = 250 * time.Millisecond
	}
}

// Worker drains pending ledger entries through the fetch pipeline with a
// bounded goroutine pool.
type Worker struct {
	core    *Core
	store   ledger.Store
	pol     FetchPolicy
	fetcher Fetcher
	run     *tracker.RunContext
	clk     clock.Clock
	logger  *zap.Logger
	cfg     WorkerConfig

	mu       sync.Mutex
	inflight map[string]struct{}
	skipped  map[string]struct{}
}

// NewWorker constructs a Worker.
func NewWorker(
	core *Core,
	store ledger.Store,
	pol FetchPolicy,
	fetcher Fetcher,
	run *tracker.RunContext,
	clk clock.Clock,
	logger *zap.Logger,
	cfg WorkerConfig,
) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		core:     core,
		store:    store,
		pol:      pol,
		fetcher:  fetcher,
		run:      run,
		clk:      clk,
		logger:   logger,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		skipped:  make(map[string]struct{}),
	}
}

// Run drains every configured source until no discovered entries remain or
// the context is cancelled. A cancelled fetch leaves the entry in its
// pre-fetch state so the next run picks it up again.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan ledger.Entry)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, jobs)
		}()
	}

	err := w.feed(ctx, jobs)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("drain pending entries: %w", err)
	}
	return err
}

// feed repeatedly scans the sources for discovered entries and hands them
// to the pool, closing the jobs channel once every source is drained.
func (w *Worker) feed(ctx context.Context, jobs chan<- ledger.Entry) error {
	defer close(jobs)
	for {
		dispatched := 0
		for _, source := range w.cfg.Sources {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := w.scanPending(ctx, source)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.State != ledger.StateDiscovered || !w.claim(e.Key) {
					continue
				}
				select {
				case jobs <- e:
					dispatched++
				case <-ctx.Done():
					w.release(e.Key)
					return ctx.Err()
				}
			}
		}
		if dispatched == 0 {
			if w.idle() {
				return nil
			}
			// Workers still hold claims; give them a moment before rescanning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	}
}

// scanPending loads the next batch for source, retrying transient store
// failures with doubling backoff. Once the retry budget is spent the error
// escalates so an unreachable ledger fails the run instead of ending it
// looking clean.
func (w *Worker) scanPending(ctx context.Context, source string) ([]ledger.Entry, error) {
	delay := w.cfg.ScanBackoff
	for attempt := 0; ; attempt++ {
		entries, err := w.store.GetPending(ctx, source, w.cfg.BatchSize)
		if err == nil {
			return entries, nil
		}
		if !ledger.IsTransient(err) || attempt >= w.cfg.ScanRetries {
			return nil, err
		}
		w.logger.Warn("pending scan failed, retrying",
			zap.String("source", source),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (w *Worker) consume(ctx context.Context, jobs <-chan ledger.Entry) {
	for e := range jobs {
		metrics.IncActiveWorkers()
		w.processEntry(ctx, e)
		metrics.DecActiveWorkers()
		w.release(e.Key)
	}
}

func (w *Worker) processEntry(ctx context.Context, e ledger.Entry) {
	d, err := w.pol.MayFetch(ctx, e.Source, e.Key)
	if err != nil {
		w.logger.Error("policy check failed", zap.String("key", e.Key), zap.Error(err))
		w.markSkipped(e.Key)
		return
	}
	if !d.Allowed {
		if d.Reason == policy.ReasonRetryExhausted {
			w.run.RecordIssue("retry_exhausted")
		}
		w.logger.Debug("fetch denied",
			zap.String("key", e.Key), zap.String("reason", d.Reason))
		w.markSkipped(e.Key)
		return
	}
	if d.Wait > 0 {
		if err := w.pol.Wait(ctx, d.Wait); err != nil {
			return
		}
	}

	start := w.clk.Now()
	res, fetchErr := w.fetcher.Fetch(ctx, e.Key, d.Conditional)
	if fetchErr != nil && ctx.Err() != nil {
		// Cancelled mid-fetch: report nothing, the entry stays discovered.
		return
	}

	out := FetchOutcome{
		HTTPStatus:   res.HTTPStatus,
		Bytes:        res.Bytes,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		Duration:     w.clk.Now().Sub(start),
	}
	if fetchErr != nil {
		out.Err = fetchErr.Error()
	}
	if err := w.core.ReportFetch(ctx, e.Key, out); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return
		}
		w.logger.Error("report fetch failed", zap.String("key", e.Key), zap.Error(err))
		w.markSkipped(e.Key)
		return
	}

	if fetchErr == nil && out.HTTPStatus >= 200 && out.HTTPStatus < 300 && res.Text != "" {
		if err := w.core.ReportExtraction(ctx, e.Key, res.Text); err != nil &&
			!errors.Is(err, ledger.ErrConflict) {
			w.logger.Error("report extraction failed", zap.String("key", e.Key), zap.Error(err))
		}
	}
}

// claim reserves a key for one worker and refuses keys already denied this
// run, so a denied entry is not rescanned until the next invocation.
func (w *Worker) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, done := w.skipped[key]; done {
		return false
	}
	if _, busy := w.inflight[key]; busy {
		return false
	}
	w.inflight[key] = struct{}{}
	return true
}

func (w *Worker) markSkipped(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.skipped[key] = struct{}{}
}

func (w *Worker) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, key)
}

func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight) == 0
}
