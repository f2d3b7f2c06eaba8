// Package metrics exposes Prometheus collectors for the ingestion core.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	unitsTotal            *prometheus.CounterVec
	rejectionsTotal       *prometheus.CounterVec
	quotaHitsTotal        *prometheus.CounterVec
	dedupHitsTotal        *prometheus.CounterVec
	fetchDeniedTotal      *prometheus.CounterVec
	fetchStatusTotal      *prometheus.CounterVec
	stageDurationSeconds  *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge
	dedupUnavailableTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_units_total",
				Help: "Units moved through each pipeline stage, labeled by source and stage.",
			},
			[]string{"source", "stage"},
		)

		rejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rejections_total",
				Help: "Units rejected by a quality filter, labeled by filter name.",
			},
			[]string{"filter"},
		)

		quotaHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_quota_hits_total",
				Help: "Times a source hit its daily ingestion quota.",
			},
			[]string{"source"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_dedup_hits_total",
				Help: "Duplicate units detected, labeled by source and kind (exact or near).",
			},
			[]string{"source", "kind"},
		)

		fetchDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_denied_total",
				Help: "Fetch policy denials, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		fetchStatusTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_status_total",
				Help: "Fetch attempts by source and HTTP status class.",
			},
			[]string{"source", "class"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_stage_duration_seconds",
				Help:    "Histogram of per-stage processing latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source", "stage"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a unit.",
			},
		)

		dedupUnavailableTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_dedup_unavailable_total",
				Help: "Dedup index failures absorbed by the fail-open policy.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage increments the per-stage unit counter.
func ObserveStage(source, stage string, n int) {
	if unitsTotal == nil || n <= 0 {
		return
	}
	unitsTotal.WithLabelValues(source, stage).Add(float64(n))
}

// ObserveRejection increments the filter rejection counter.
func ObserveRejection(filter string, n int) {
	if rejectionsTotal == nil || n <= 0 {
		return
	}
	rejectionsTotal.WithLabelValues(filter).Add(float64(n))
}

// ObserveQuotaHit records that a source exhausted its daily quota.
func ObserveQuotaHit(source string) {
	if quotaHitsTotal == nil {
		return
	}
	quotaHitsTotal.WithLabelValues(source).Inc()
}

// ObserveDedupHit records a detected duplicate. Kind is "exact" or "near".
func ObserveDedupHit(source, kind string) {
	if dedupHitsTotal == nil {
		return
	}
	dedupHitsTotal.WithLabelValues(source, kind).Inc()
}

// ObserveFetchDenied records a fetch policy denial.
func ObserveFetchDenied(source, reason string) {
	if fetchDeniedTotal == nil {
		return
	}
	fetchDeniedTotal.WithLabelValues(source, reason).Inc()
}

// ObserveFetchStatus counts a fetch attempt by HTTP status class.
func ObserveFetchStatus(source string, status int) {
	if fetchStatusTotal == nil {
		return
	}
	fetchStatusTotal.WithLabelValues(source, StatusClass(status)).Inc()
}

// ObserveStageDuration records a per-stage latency sample.
func ObserveStageDuration(source, stage string, d time.Duration) {
	if stageDurationSeconds == nil {
		return
	}
	stageDurationSeconds.WithLabelValues(source, stage).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveDedupUnavailable counts a fail-open event.
func ObserveDedupUnavailable() {
	if dedupUnavailableTotal == nil {
		return
	}
	dedupUnavailableTotal.Inc()
}

// StatusClass collapses an HTTP status into its class label ("2xx".."5xx").
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
