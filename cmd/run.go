package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/api"
	"github.com/corpusforge/harvester/internal/app"
	"github.com/corpusforge/harvester/internal/fetcher/httpfetch"
	"github.com/corpusforge/harvester/internal/pipeline"
	"github.com/corpusforge/harvester/internal/snapshot"
	"github.com/corpusforge/harvester/internal/tracker"
)

// opsHandler builds the ops API router bound to the active run, so
// /v1/runs/current reflects the snapshot as it accumulates.
func opsHandler(a *app.App, run *tracker.RunContext) http.Handler {
	return api.NewServer(a.Store, run, a.Quota, a.Logger).Handler()
}

// newRunCmd creates and configures the 'run' subcommand. A run drains every
// discovered ledger entry for the selected sources through fetch, quality
// filtering, deduplication, and the downstream write, then exports the run
// snapshot.
func newRunCmd() *cobra.Command {
	var (
		force   bool
		sources []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drains discovered entries through the ingestion pipeline",
		Long: `Rebuilds the dedup index from the ledger, then fetches and processes
every discovered entry for the selected sources. The run ends when all
sources are drained or the process receives SIGINT/SIGTERM.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, force, sources)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "requeue failed and completed entries when they are rediscovered")
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "sources to drain (default worker.sources from configuration)")
	return cmd
}

func runHarvest(cmd *cobra.Command, force bool, sources []string) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := a.Logger

	if len(sources) == 0 {
		sources = a.Cfg.Worker.Sources
	}
	if len(sources) == 0 {
		return errors.New("no sources configured, set worker.sources or pass --sources")
	}

	runID, err := a.IDs.NewID()
	if err != nil {
		return fmt.Errorf("allocate run id: %w", err)
	}
	run := tracker.Start(runID, a.Clock)
	logger.Info("run started",
		zap.String("run_id", runID),
		zap.Strings("sources", sources),
		zap.Bool("force", force))

	// The ops API serves the live run snapshot while sources drain.
	// server.port 0 disables it for embedded or scripted runs.
	if a.Cfg.Server.Port > 0 {
		opsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.Cfg.Server.Port),
			Handler:           opsHandler(a, run),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", zap.Int("port", a.Cfg.Server.Port))
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("ops server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := opsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutting down ops server", zap.Error(err))
			}
		}()
	}

	core := pipeline.NewCore(a.Store, a.Index, a.FilterChain(), a.Policy, a.Quota, run,
		a.Publisher, a.Clock, logger, pipeline.Config{
			Dedup:       a.DedupConfig(),
			ShingleSize: a.Cfg.Dedup.ShingleSize,
			Force:       force,
		})
	if err := core.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild dedup index: %w", err)
	}

	worker := pipeline.NewWorker(core, a.Store, a.Policy, httpfetch.New(httpfetch.Config{}),
		run, a.Clock, logger, pipeline.WorkerConfig{
			Workers:   a.Cfg.Worker.Workers,
			BatchSize: a.Cfg.Worker.BatchSize,
			Sources:   sources,
		})

	// Periodic snapshot export while the run is active.
	flushCtx, stopFlush := context.WithCancel(ctx)
	defer stopFlush()
	var flusherDone chan struct{}
	if a.Snapshots != nil {
		fl := snapshot.NewFlusher(a.Snapshots, run,
			time.Duration(a.Cfg.Snapshot.IntervalSeconds)*time.Second, logger)
		flusherDone = make(chan struct{})
		go func() {
			defer close(flusherDone)
			fl.Run(flushCtx)
		}()
	}

	runErr := worker.Run(ctx)

	stopFlush()
	if flusherDone != nil {
		<-flusherDone
	}
	run.End()

	// Shutdown work below uses a fresh context; ctx is likely cancelled
	// when the run was interrupted.
	if a.Snapshots != nil {
		exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		uri, err := a.Snapshots.Write(exportCtx, run.Snapshot())
		if err != nil {
			logger.Warn("final snapshot export failed", zap.Error(err))
		} else {
			logger.Info("run snapshot exported", zap.String("uri", uri))
		}
	}

	sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sweepAge := time.Duration(a.Cfg.Policy.SweepAgeHours) * time.Hour
	swept, err := a.Store.SweepFailed(sweepCtx, a.Cfg.Policy.MaxRetries, a.Clock.Now().Add(-sweepAge))
	if err != nil {
		logger.Warn("sweeping exhausted entries failed", zap.Error(err))
	} else if swept > 0 {
		logger.Info("swept exhausted entries", zap.Int64("count", swept))
	}

	snap := run.Snapshot()
	logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int64("issues", snap.IssueCount))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("drain sources: %w", runErr)
	}
	return nil
}
