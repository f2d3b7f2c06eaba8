// Package publisher emits processed-record events to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Event announces that one record reached the processed state.
type Event struct {
	Key          string    `json:"key"`
	Source       string    `json:"source"`
	DownstreamID string    `json:"downstream_id"`
	ExactHash    string    `json:"exact_hash"`
	Signature    []uint64  `json:"signature,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Publisher delivers events. Implementations return the transport's message
// ID for the published event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) (string, error)
	Close() error
}
