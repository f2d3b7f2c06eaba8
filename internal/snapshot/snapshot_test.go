package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/tracker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var snapTime = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func sampleSnapshot() tracker.RunSnapshot {
	run := tracker.Start("run-42", fixedClock{now: snapTime})
	run.RecordStageEvent("wikipedia", tracker.StageWritten, 3)
	return run.End()
}

func TestLocalSinkWritesJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewLocalSink(dir, fixedClock{now: snapTime})
	require.NoError(t, err)

	uri, err := sink.Write(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	path := strings.TrimPrefix(uri, "file://")
	assert.Equal(t, filepath.Join(dir, "runs", "run-42", "20250601T123000Z.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got tracker.RunSnapshot
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, int64(3), got.Volume["wikipedia"][tracker.StageWritten])
}

func TestLocalSinkRejectsMissingDir(t *testing.T) {
	t.Parallel()

	_, err := NewLocalSink("", fixedClock{now: snapTime})
	assert.Error(t, err)
}

func TestLocalSinkCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := NewLocalSink(dir, fixedClock{now: snapTime})
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

type recordingWriter struct {
	mu     sync.Mutex
	writes int
	err    error
}

func (w *recordingWriter) Write(_ context.Context, _ tracker.RunSnapshot) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.err != nil {
		return "", w.err
	}
	return "fake://snapshot", nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	t.Parallel()

	ok := &recordingWriter{}
	bad := &recordingWriter{err: errors.New("bucket gone")}
	m := NewMulti(ok, bad)

	uri, err := m.Write(context.Background(), sampleSnapshot())
	assert.Equal(t, "fake://snapshot", uri)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}

func TestFlusherWritesPeriodically(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	run := tracker.Start("run-flush", fixedClock{now: snapTime})
	f := NewFlusher(w, run, time.Second, zap.NewNop())
	f.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
