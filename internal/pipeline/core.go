// Package pipeline wires the ledger, dedup index, quota tracker, fetch
// policy, quality filters and publisher into the ingestion core that source
// adapters talk to. Adapters own all source-specific fetching and parsing;
// the core only receives keys, outcomes and canonicalized text.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/dedup"
	"github.com/corpusforge/harvester/internal/filter"
	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/metrics"
	"github.com/corpusforge/harvester/internal/publisher"
	"github.com/corpusforge/harvester/internal/tracker"
)

// Config controls Core behavior.
type Config struct {
	Dedup       dedup.Config
	ShingleSize int
	// Force requeues entries that already reached a terminal state when
	// they are rediscovered.
	Force bool
}

func (c *Config) applyDefaults() {
	c.Dedup.Normalize()
	if c.ShingleSize <= 0 {
		c.ShingleSize = 5
	}
}

// FetchOutcome is what an adapter reports after attempting one fetch.
// A zero HTTPStatus with a non-empty Err means the request never produced a
// response.
type FetchOutcome struct {
	HTTPStatus   int
	Bytes        int64
	ETag         string
	LastModified string
	Duration     time.Duration
	Err          string
}

// OutcomeRecorder receives fetch results for backoff bookkeeping. The fetch
// policy satisfies it.
type OutcomeRecorder interface {
	RecordOutcome(source string, httpStatus int)
}

// pendingContent carries hashes between extraction and write so the
// processed transition can persist provenance without recomputing them.
type pendingContent struct {
	exactHash string
	signature []uint64
}

// Core is the adapter-facing ingestion surface.
type Core struct {
	store    ledger.Store
	index    *dedup.Sharded
	hasher   *dedup.MinHasher
	filters  *filter.Chain
	recorder OutcomeRecorder
	quota    *tracker.Quota
	run      *tracker.RunContext
	pub      publisher.Publisher
	clk      clock.Clock
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	pending map[string]pendingContent
}

// NewCore constructs a Core.
func NewCore(
	store ledger.Store,
	index *dedup.Sharded,
	filters *filter.Chain,
	recorder OutcomeRecorder,
	quota *tracker.Quota,
	run *tracker.RunContext,
	pub publisher.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
	cfg Config,
) *Core {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if filters == nil {
		filters = filter.NewChain()
	}
	return &Core{
		store:    store,
		index:    index,
		hasher:   dedup.NewMinHasher(cfg.Dedup.Width()),
		filters:  filters,
		recorder: recorder,
		quota:    quota,
		run:      run,
		pub:      pub,
		clk:      clk,
		logger:   logger,
		cfg:      cfg,
		pending:  make(map[string]pendingContent),
	}
}

// Discover records that source produced key. Rediscovery of an existing key
// returns the stored entry unchanged unless Force is set, in which case
// failed and terminal entries are requeued first.
func (c *Core) Discover(ctx context.Context, key, source string, metadata ledger.Metadata) (ledger.Entry, bool, error) {
	if c.cfg.Force {
		if cur, err := c.store.Get(ctx, key); err == nil {
			if cur.State.Terminal() || cur.State == ledger.StateFailed {
				if err := c.store.Requeue(ctx, key); err != nil {
					return ledger.Entry{}, false, fmt.Errorf("force requeue %q: %w", key, err)
				}
				c.logger.Info("requeued for reprocessing",
					zap.String("key", key), zap.String("prior_state", string(cur.State)))
			}
		}
	}

	entry, created, err := c.store.Upsert(ctx, key, source, metadata)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("discover %q: %w", key, err)
	}
	if created {
		c.run.RecordStageEvent(source, tracker.StageDiscovered, 1)
	}
	return entry, created, nil
}

// ReportFetch applies a fetch result to the ledger. A 2xx moves the entry
// to fetched, a failure to failed with its retry count bumped, and a 304
// leaves the entry untouched since the stored content is still current.
func (c *Core) ReportFetch(ctx context.Context, key string, out FetchOutcome) error {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("report fetch %q: %w", key, err)
	}

	c.run.RecordConnectivity(entry.Source, out.HTTPStatus > 0, out.HTTPStatus)
	metrics.ObserveFetchStatus(entry.Source, out.HTTPStatus)
	if c.recorder != nil {
		c.recorder.RecordOutcome(entry.Source, out.HTTPStatus)
	}
	if out.Duration > 0 {
		c.run.RecordLatency(entry.Source, tracker.StageFetched, out.Duration)
	}

	now := c.clk.Now()
	switch {
	case out.HTTPStatus >= 200 && out.HTTPStatus < 300:
		fields := ledger.TransitionFields{
			HTTPStatus:    &out.HTTPStatus,
			LastFetchedAt: &now,
			ETag:          out.ETag,
			LastModified:  out.LastModified,
		}
		if out.Bytes > 0 {
			fields.ContentLength = &out.Bytes
		}
		if err := c.transition(ctx, key, entry.Source, ledger.StateDiscovered, ledger.StateFetched, fields); err != nil {
			return err
		}
		c.run.RecordStageEvent(entry.Source, tracker.StageFetched, 1)
		return nil

	case out.HTTPStatus == 304:
		return nil

	default:
		reason := out.Err
		if reason == "" {
			reason = fmt.Sprintf("http status %d", out.HTTPStatus)
		}
		fields := ledger.TransitionFields{LastError: reason}
		if out.HTTPStatus > 0 {
			fields.HTTPStatus = &out.HTTPStatus
		}
		return c.transition(ctx, key, entry.Source, ledger.StateDiscovered, ledger.StateFailed, fields)
	}
}

// ReportExtraction runs the quality filters and both dedup tiers over the
// canonicalized text of a fetched entry. Rejected text moves the entry to
// skipped, duplicates to duplicate; survivors stay fetched with their
// hashes staged for the write report.
func (c *Core) ReportExtraction(ctx context.Context, key, text string) error {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("report extraction %q: %w", key, err)
	}
	c.run.RecordStageEvent(entry.Source, tracker.StageExtracted, 1)

	if ok, name, reason := c.filters.Accept(text); !ok {
		c.run.RecordRejection(name, 1)
		return c.transition(ctx, key, entry.Source, ledger.StateFetched, ledger.StateSkipped, ledger.TransitionFields{
			Metadata: ledger.Metadata{
				"quality.rejected_by": name,
				"quality.reason":      reason,
			},
		})
	}
	c.run.RecordStageEvent(entry.Source, tracker.StageQualityPassed, 1)

	canonical := dedup.Canonicalize(text)
	hash := dedup.ExactHash(canonical)
	checker := dedup.NewFailOpen(c.index.Shard(entry.Source), c.logger)

	if dup, origKey := checker.CheckExact(hash); dup {
		metrics.ObserveDedupHit(entry.Source, "exact")
		return c.transition(ctx, key, entry.Source, ledger.StateFetched, ledger.StateDuplicate, ledger.TransitionFields{
			ExactHash: hash,
			Metadata:  ledger.Metadata{"dedup.duplicate_of": origKey},
		})
	}

	sig := c.hasher.Signature(dedup.Shingle(canonical, c.cfg.ShingleSize))
	if dup, matches := checker.CheckNear(sig, c.cfg.Dedup.Threshold); dup {
		metrics.ObserveDedupHit(entry.Source, "near")
		fields := ledger.TransitionFields{ExactHash: hash, Signature: sig}
		if len(matches) > 0 {
			fields.Metadata = ledger.Metadata{"dedup.near_match": matches[0]}
		}
		return c.transition(ctx, key, entry.Source, ledger.StateFetched, ledger.StateDuplicate, fields)
	}

	checker.Register(key, hash, sig)
	c.mu.Lock()
	c.pending[key] = pendingContent{exactHash: hash, signature: sig}
	c.mu.Unlock()
	return nil
}

// ReportWrite marks the entry processed once the downstream writer has
// durably stored it, publishes the provenance event, and charges the
// source's daily quota.
func (c *Core) ReportWrite(ctx context.Context, key, downstreamID string) error {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("report write %q: %w", key, err)
	}

	c.mu.Lock()
	content, staged := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !staged {
		c.logger.Warn("write reported without staged extraction", zap.String("key", key))
	}

	err = c.transition(ctx, key, entry.Source, ledger.StateFetched, ledger.StateProcessed, ledger.TransitionFields{
		DownstreamID: downstreamID,
		ExactHash:    content.exactHash,
		Signature:    content.signature,
	})
	if err != nil {
		return err
	}
	c.run.RecordStageEvent(entry.Source, tracker.StageWritten, 1)

	if c.quota != nil && c.quota.Increment(entry.Source, 1) {
		c.logger.Info("daily quota reached", zap.String("source", entry.Source))
	}

	if c.pub != nil {
		ev := publisher.Event{
			Key:          key,
			Source:       entry.Source,
			DownstreamID: downstreamID,
			ExactHash:    content.exactHash,
			Signature:    content.signature,
			ProcessedAt:  c.clk.Now(),
		}
		if _, err := c.pub.Publish(ctx, ev); err != nil {
			c.logger.Warn("publish failed", zap.String("key", key), zap.Error(err))
			c.run.RecordIssue("publish_failed")
		}
	}
	return nil
}

// Rebuild repopulates the dedup index from the ledger. Called at startup
// before any worker runs.
func (c *Core) Rebuild(ctx context.Context) error {
	return c.index.Rebuild(ctx, c.store)
}

// transition applies the state change and keeps error handling in one
// place: terminal violations are warnings plus an issue mark, conflicts are
// expected racing and surface to the caller to re-read.
func (c *Core) transition(ctx context.Context, key, source string, from, next ledger.State, fields ledger.TransitionFields) error {
	err := c.store.Transition(ctx, key, from, next, fields)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrTerminalState):
		c.logger.Warn("transition on terminal entry",
			zap.String("key", key), zap.String("from", string(from)), zap.String("to", string(next)))
		c.run.RecordIssue("terminal_state_violation")
		return err
	case errors.Is(err, ledger.ErrConflict):
		c.logger.Debug("transition lost race", zap.String("key", key))
		return err
	default:
		return fmt.Errorf("transition %q %s -> %s for %s: %w", key, from, next, source, err)
	}
}
