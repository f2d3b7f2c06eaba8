// Package snapshot exports frozen run metrics to durable storage. Export
// failures never abort an ingestion run; callers log and move on.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/corpusforge/harvester/internal/tracker"
)

// Writer persists one run snapshot and returns the URI it was written to.
type Writer interface {
	Write(ctx context.Context, snap tracker.RunSnapshot) (string, error)
	Close() error
}

// objectName builds the storage key for a snapshot taken at ts. End-of-run
// snapshots land next to the periodic ones, distinguished by timestamp.
func objectName(snap tracker.RunSnapshot, ts time.Time) string {
	return fmt.Sprintf("runs/%s/%s.json", snap.RunID, ts.UTC().Format("20060102T150405Z"))
}
