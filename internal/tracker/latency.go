package tracker

import "github.com/beorn7/perks/quantile"

// quantileTargets trades accuracy for memory at exactly the percentiles we
// export.
var quantileTargets = map[float64]float64{
	0.50: 0.05,
	0.95: 0.01,
	0.99: 0.001,
}

// latencyStream is a bounded-memory percentile estimator for one
// source/stage pair. Callers must hold the owning RunContext mutex.
type latencyStream struct {
	stream *quantile.Stream
	count  int64
}

func newLatencyStream() *latencyStream {
	return &latencyStream{stream: quantile.NewTargeted(quantileTargets)}
}

func (ls *latencyStream) observe(ms float64) {
	ls.stream.Insert(ms)
	ls.count++
}

func (ls *latencyStream) summary() LatencySummary {
	return LatencySummary{
		Count: ls.count,
		P50Ms: ls.stream.Query(0.50),
		P95Ms: ls.stream.Query(0.95),
		P99Ms: ls.stream.Query(0.99),
	}
}
