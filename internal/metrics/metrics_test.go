package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	require.NotPanics(t, Init)
}

func TestObserversAreSafeAfterInit(t *testing.T) {
	Init()

	require.NotPanics(t, func() {
		ObserveStage("bbc", "fetched", 3)
		ObserveStage("bbc", "fetched", 0) // no-op
		ObserveRejection("min_length", 1)
		ObserveQuotaHit("bbc")
		ObserveDedupHit("bbc", "near")
		ObserveFetchDenied("bbc", "quota_exhausted")
		ObserveStageDuration("bbc", "fetched", 120*time.Millisecond)
		IncActiveWorkers()
		DecActiveWorkers()
		ObserveDedupUnavailable()
	})
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "3xx", StatusClass(304))
	assert.Equal(t, "4xx", StatusClass(429))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "unknown", StatusClass(0))
	assert.Equal(t, "unknown", StatusClass(700))
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	require.NotNil(t, Handler())
}
