package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusforge/harvester/internal/publisher"
)

func TestPublisherStoresEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), publisher.Event{Key: "a", Source: "bbc"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), publisher.Event{Key: "b", Source: "wikipedia"})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, "wikipedia", events[1].Source)

	events[0].Key = "modified"
	assert.Equal(t, "a", pub.Events()[0].Key)
}
