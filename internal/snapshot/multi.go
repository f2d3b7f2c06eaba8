package snapshot

import (
	"context"
	"errors"

	"github.com/corpusforge/harvester/internal/tracker"
)

// Multi fans a snapshot out to several writers. Every writer is attempted
// even when an earlier one fails; errors are joined. The returned URI is
// the first writer's.
type Multi struct {
	writers []Writer
}

// NewMulti composes the given writers.
func NewMulti(writers ...Writer) *Multi {
	return &Multi{writers: writers}
}

func (m *Multi) Write(ctx context.Context, snap tracker.RunSnapshot) (string, error) {
	var uri string
	var errs []error
	for i, w := range m.writers {
		u, err := w.Write(ctx, snap)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 || uri == "" {
			uri = u
		}
	}
	return uri, errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
