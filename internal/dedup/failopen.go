package dedup

import (
	"go.uber.org/zap"

	"github.com/corpusforge/harvester/internal/metrics"
)

// Checker is the dedup surface the pipeline consumes. The in-memory Index
// satisfies it; a remote-backed index would too.
type Checker interface {
	CheckExact(hash string) (bool, string, error)
	CheckNear(sig []uint64, threshold float64) (bool, []string, error)
	Register(key, hash string, sig []uint64) error
}

// FailOpen wraps a Checker with the fail-open policy: when the index
// errors, the unit is treated as not-duplicate and a warning is logged.
// Over-admission is recoverable downstream; silently dropping valid data is
// not.
type FailOpen struct {
	inner  Checker
	logger *zap.Logger
}

// NewFailOpen wraps inner with the fail-open policy.
func NewFailOpen(inner Checker, logger *zap.Logger) *FailOpen {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailOpen{inner: inner, logger: logger}
}

// CheckExact reports exact-duplicate status, swallowing index failures.
func (f *FailOpen) CheckExact(hash string) (bool, string) {
	dup, key, err := f.inner.CheckExact(hash)
	if err != nil {
		f.unavailable("exact check failed", err)
		return false, ""
	}
	return dup, key
}

// CheckNear reports near-duplicate status, swallowing index failures.
func (f *FailOpen) CheckNear(sig []uint64, threshold float64) (bool, []string) {
	dup, matches, err := f.inner.CheckNear(sig, threshold)
	if err != nil {
		f.unavailable("near-duplicate check failed", err)
		return false, nil
	}
	return dup, matches
}

// Register adds the key to the index, swallowing index failures.
func (f *FailOpen) Register(key, hash string, sig []uint64) {
	if err := f.inner.Register(key, hash, sig); err != nil {
		f.unavailable("register failed", err)
	}
}

func (f *FailOpen) unavailable(msg string, err error) {
	f.logger.Warn("dedup index unavailable, failing open",
		zap.String("op", msg), zap.Error(err))
	metrics.ObserveDedupUnavailable()
}
