// Package tracker maintains per-run layered metrics and per-source daily
// quotas.
//
// A RunContext is an explicit value created at run start and passed into
// every component that reports progress; there is no package-level run
// state. Recording is best-effort: no method blocks, fails, or panics on
// the ingestion path.
package tracker

import (
	"sync"
	"time"

	"github.com/corpusforge/harvester/internal/clock"
	"github.com/corpusforge/harvester/internal/metrics"
)

// Stage identifies a pipeline stage for volume and latency accounting.
type Stage string

// Pipeline stages, in flow order.
const (
	StageDiscovered    Stage = "discovered"
	StageFetched       Stage = "fetched"
	StageExtracted     Stage = "extracted"
	StageQualityPassed Stage = "quality_passed"
	StageWritten       Stage = "written"
)

// Connectivity captures whether a source responded at all during the run.
type Connectivity struct {
	Reachable  bool `json:"reachable"`
	LastStatus int  `json:"last_status,omitempty"`
}

// LatencySummary holds streaming percentile estimates for one stage.
type LatencySummary struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// QualityLayer aggregates filter rejections and the overall pass rate.
type QualityLayer struct {
	Rejections map[string]int64 `json:"rejections"`
	PassRate   float64          `json:"pass_rate"`
}

// RunSnapshot is the frozen, exportable view of one run. Once the run ends
// it never changes; dashboards and alerts read it as an immutable record.
type RunSnapshot struct {
	RunID        string                               `json:"run_id"`
	StartedAt    time.Time                            `json:"started_at"`
	EndedAt      *time.Time                           `json:"ended_at,omitempty"`
	Connectivity map[string]Connectivity              `json:"connectivity"`
	Volume       map[string]map[Stage]int64           `json:"volume"`
	Quality      QualityLayer                         `json:"quality"`
	Latency      map[string]map[Stage]LatencySummary  `json:"latency"`
	Issues       map[string]int64                     `json:"issues"`
	IssueCount   int64                                `json:"issue_count"`
}

// RunContext accumulates metrics for a single pipeline execution.
type RunContext struct {
	runID     string
	clk       clock.Clock
	startedAt time.Time

	mu           sync.Mutex
	frozen       bool
	endedAt      *time.Time
	connectivity map[string]Connectivity
	volume       map[string]map[Stage]int64
	rejections   map[string]int64
	issues       map[string]int64
	latency      map[string]map[Stage]*latencyStream
}

// Start opens a RunContext for runID.
func Start(runID string, clk clock.Clock) *RunContext {
	return &RunContext{
		runID:        runID,
		clk:          clk,
		startedAt:    clk.Now(),
		connectivity: make(map[string]Connectivity),
		volume:       make(map[string]map[Stage]int64),
		rejections:   make(map[string]int64),
		issues:       make(map[string]int64),
		latency:      make(map[string]map[Stage]*latencyStream),
	}
}

// RunID returns the run identifier.
func (r *RunContext) RunID() string { return r.runID }

// RecordStageEvent counts n units moving through a stage for a source.
func (r *RunContext) RecordStageEvent(source string, stage Stage, n int) {
	if r == nil || n <= 0 {
		return
	}
	metrics.ObserveStage(source, string(stage), n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	stages, ok := r.volume[source]
	if !ok {
		stages = make(map[Stage]int64)
		r.volume[source] = stages
	}
	stages[stage] += int64(n)
}

// RecordLatency adds one latency sample for a stage. Memory stays bounded
// regardless of run size: samples feed a streaming quantile estimator, not
// an array.
func (r *RunContext) RecordLatency(source string, stage Stage, d time.Duration) {
	if r == nil || d < 0 {
		return
	}
	metrics.ObserveStageDuration(source, string(stage), d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	stages, ok := r.latency[source]
	if !ok {
		stages = make(map[Stage]*latencyStream)
		r.latency[source] = stages
	}
	ls, ok := stages[stage]
	if !ok {
		ls = newLatencyStream()
		stages[stage] = ls
	}
	ls.observe(float64(d.Milliseconds()))
}

// RecordConnectivity notes the most recent reachability result for a source.
func (r *RunContext) RecordConnectivity(source string, reachable bool, status int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.connectivity[source] = Connectivity{Reachable: reachable, LastStatus: status}
}

// RecordRejection counts units rejected by a named quality filter.
func (r *RunContext) RecordRejection(filter string, n int) {
	if r == nil || n <= 0 {
		return
	}
	metrics.ObserveRejection(filter, n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.rejections[filter] += int64(n)
}

// RecordIssue counts an absorbed, non-fatal condition (retry exhaustion,
// terminal-state violation, dedup fail-open) so the run can finish with a
// non-zero issues count instead of aborting.
func (r *RunContext) RecordIssue(kind string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.issues[kind]++
}

// Snapshot returns a deep copy of the current state.
func (r *RunContext) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// End freezes the run and returns its final snapshot. Recording after End
// is a silent no-op.
func (r *RunContext) End() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frozen {
		now := r.clk.Now()
		r.endedAt = &now
		r.frozen = true
	}
	return r.snapshotLocked()
}

func (r *RunContext) snapshotLocked() RunSnapshot {
	snap := RunSnapshot{
		RunID:        r.runID,
		StartedAt:    r.startedAt,
		Connectivity: make(map[string]Connectivity, len(r.connectivity)),
		Volume:       make(map[string]map[Stage]int64, len(r.volume)),
		Quality:      QualityLayer{Rejections: make(map[string]int64, len(r.rejections))},
		Latency:      make(map[string]map[Stage]LatencySummary, len(r.latency)),
		Issues:       make(map[string]int64, len(r.issues)),
	}
	if r.endedAt != nil {
		t := *r.endedAt
		snap.EndedAt = &t
	}
	for src, c := range r.connectivity {
		snap.Connectivity[src] = c
	}
	var extracted, passed int64
	for src, stages := range r.volume {
		out := make(map[Stage]int64, len(stages))
		for stage, n := range stages {
			out[stage] = n
			switch stage {
			case StageExtracted:
				extracted += n
			case StageQualityPassed:
				passed += n
			}
		}
		snap.Volume[src] = out
	}
	for f, n := range r.rejections {
		snap.Quality.Rejections[f] = n
	}
	if extracted > 0 {
		snap.Quality.PassRate = float64(passed) / float64(extracted)
	}
	for src, stages := range r.latency {
		out := make(map[Stage]LatencySummary, len(stages))
		for stage, ls := range stages {
			out[stage] = ls.summary()
		}
		snap.Latency[src] = out
	}
	for kind, n := range r.issues {
		snap.Issues[kind] = n
		snap.IssueCount += n
	}
	return snap
}
