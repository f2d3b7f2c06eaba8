package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/tracker"
)

// Flusher periodically exports the live snapshot of a run so operators see
// progress before the run ends. Write failures are logged and skipped.
type Flusher struct {
	writer   Writer
	run      *tracker.RunContext
	interval time.Duration
	log      *zap.Logger
}

// NewFlusher builds a Flusher. Intervals below one second are clamped.
func NewFlusher(w Writer, run *tracker.RunContext, interval time.Duration, log *zap.Logger) *Flusher {
	if interval < time.Second {
		interval = time.Second
	}
	return &Flusher{writer: w, run: run, interval: interval, log: log}
}

// Run flushes on a ticker until the context is cancelled. It does not write
// a final snapshot; the caller exports the frozen snapshot after End.
func (f *Flusher) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			uri, err := f.writer.Write(ctx, f.run.Snapshot())
			if err != nil {
				f.log.Warn("snapshot flush failed", zap.Error(err))
				continue
			}
			f.log.Debug("snapshot flushed", zap.String("uri", uri))
		}
	}
}
