package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Store implementations. Callers branch with
// errors.Is; none of these should ever be retried blindly.
var (
	// ErrNotFound signals that the requested entry or cursor does not exist.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrTerminalState signals an attempted transition out of a terminal
	// state. It marks a caller logic bug or a lost race against a worker
	// that already finished the unit; it must be logged, never retried.
	ErrTerminalState = errors.New("entry is in a terminal state")

	// ErrIllegalTransition signals a (from, to) pair that is not an edge of
	// the state graph.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrConflict signals that another worker transitioned the entry first.
	// The loser re-reads the entry and decides; it must not retry-overwrite.
	ErrConflict = errors.New("concurrent transition conflict")
)

// TransientError wraps a backend failure that the caller may retry with
// backoff (connection loss, lock timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the caller's discretion.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
