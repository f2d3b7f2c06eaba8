// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the harvester commands.
package app

import (
	"context"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/clock/system"
	"github.com/corpusforge/harvester/internal/config"
	"github.com/corpusforge/harvester/internal/dedup"
	"github.com/corpusforge/harvester/internal/filter"
	"github.com/corpusforge/harvester/internal/id/uuid"
	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/ledger/postgres"
	"github.com/corpusforge/harvester/internal/ledger/sqlite"
	"github.com/corpusforge/harvester/internal/logging"
	"github.com/corpusforge/harvester/internal/metrics"
	"github.com/corpusforge/harvester/internal/policy"
	"github.com/corpusforge/harvester/internal/publisher"
	"github.com/corpusforge/harvester/internal/publisher/memory"
	pspub "github.com/corpusforge/harvester/internal/publisher/pubsub"
	"github.com/corpusforge/harvester/internal/snapshot"
	"github.com/corpusforge/harvester/internal/tracker"
)

// App holds the shared, long-lived services for the harvester. It is built
// once at command startup and passed to the components that need it. New is
// designed to fail fast if any critical backend cannot be reached.
type App struct {
	Cfg       config.Config
	Logger    *zap.Logger
	Clock     clock.Clock
	IDs       *uuid.Generator
	Store     ledger.Store
	Index     *dedup.Sharded
	Quota     *tracker.Quota
	Policy    *policy.Policy
	Publisher publisher.Publisher
	Snapshots snapshot.Writer
}

// New builds every service from cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	clk := system.New()
	a := &App{Cfg: cfg, Logger: logger, Clock: clk, IDs: uuid.New()}

	switch cfg.Ledger.Backend {
	case "sqlite":
		st, err := sqlite.New(cfg.Ledger.Path, clk)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		a.Store = st
		logger.Info("using sqlite ledger", zap.String("path", cfg.Ledger.Path))
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Ledger.DSN,
			MaxConns: int32(cfg.Ledger.MaxConns),
			MinConns: int32(cfg.Ledger.MinConns),
		}, clk)
		if err != nil {
			return nil, fmt.Errorf("connect postgres ledger: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate postgres ledger: %w", err)
		}
		a.Store = st
		logger.Info("using postgres ledger")
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Ledger.Backend)
	}

	a.Index = dedup.NewSharded(a.DedupConfig())
	a.Quota = tracker.NewQuota(cfg.Quota.DefaultDailyLimit, cfg.Quota.Overrides, clk)
	a.Policy = policy.New(a.Store, a.Quota, clk, a.PolicyConfig())

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pspub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			a.Store.Close()
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		a.Publisher = pub
		logger.Info("publishing downstream events to pubsub",
			zap.String("topic", cfg.PubSub.TopicName))
	} else {
		logger.Info("pubsub not configured, downstream events stay in memory")
		a.Publisher = memory.New()
	}

	var writers []snapshot.Writer
	if cfg.Snapshot.Dir != "" {
		local, err := snapshot.NewLocalSink(cfg.Snapshot.Dir, clk)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open snapshot dir: %w", err)
		}
		writers = append(writers, local)
	}
	if cfg.Snapshot.GCSBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		sink, err := snapshot.NewGCSSink(client, cfg.Snapshot.GCSBucket, clk)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open gcs snapshot sink: %w", err)
		}
		writers = append(writers, sink)
	}
	switch len(writers) {
	case 0:
		logger.Info("snapshot export not configured")
	case 1:
		a.Snapshots = writers[0]
	default:
		a.Snapshots = snapshot.NewMulti(writers...)
	}

	logger.Info("application services initialized")
	return a, nil
}

// DedupConfig translates the configured LSH layout.
func (a *App) DedupConfig() dedup.Config {
	return dedup.Config{
		Bands:     a.Cfg.Dedup.Bands,
		Rows:      a.Cfg.Dedup.Rows,
		Threshold: a.Cfg.Dedup.Threshold,
	}
}

// PolicyConfig translates the configured pacing knobs.
func (a *App) PolicyConfig() policy.Config {
	p := a.Cfg.Policy
	return policy.Config{
		DefaultRPS:   p.RPS,
		DefaultBurst: p.Burst,
		MaxRetries:   p.MaxRetries,
		BackoffBase:  time.Duration(p.BackoffBaseSec) * time.Second,
		BackoffMax:   time.Duration(p.BackoffMaxSec) * time.Second,
		PollBase:     time.Duration(p.PollBaseMinutes) * time.Minute,
		PollMin:      time.Duration(p.PollMinMinutes) * time.Minute,
		PollMax:      time.Duration(p.PollMaxMinutes) * time.Minute,
	}
}

// FilterChain builds the quality filter chain from configuration. Filters
// with a zero threshold are left out.
func (a *App) FilterChain() *filter.Chain {
	f := a.Cfg.Filters
	var filters []filter.Filter
	if f.MinChars > 0 {
		filters = append(filters, filter.MinLength{Chars: f.MinChars})
	}
	if f.MaxChars > 0 {
		filters = append(filters, filter.MaxLength{Chars: f.MaxChars})
	}
	if f.LineMinWords > 0 {
		filters = append(filters, filter.LineDensity{
			MinWords:         f.LineMinWords,
			MaxShortFraction: f.MaxShortFraction,
		})
	}
	return filter.NewChain(filters...)
}

// Close gracefully shuts down all services in the container. It is called by
// a Cobra hook after the command finishes.
func (a *App) Close() {
	if a.Snapshots != nil {
		if err := a.Snapshots.Close(); err != nil {
			a.Logger.Warn("closing snapshot writer", zap.Error(err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn("closing publisher", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("closing ledger store", zap.Error(err))
		}
	}
	// Best effort: stderr sync commonly fails on some platforms.
	_ = a.Logger.Sync()
}
