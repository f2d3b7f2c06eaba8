package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/tracker"
)

// LocalSink writes snapshots as JSON files under a base directory.
type LocalSink struct {
	baseDir string
	clk     clock.Clock
}

// NewLocalSink validates the directory and returns a sink. The directory is
// created when missing and probed for writability up front so a
// misconfigured path fails at startup, not at the end of a run.
func NewLocalSink(baseDir string, clk clock.Clock) (*LocalSink, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &LocalSink{baseDir: baseDir, clk: clk}, nil
}

// Write marshals the snapshot and writes it to a timestamped file,
// returning a file:// URI.
func (s *LocalSink) Write(_ context.Context, snap tracker.RunSnapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	fullPath := filepath.Join(s.baseDir, objectName(snap, s.clk.Now()))
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}

// Close is a no-op.
func (s *LocalSink) Close() error { return nil }
