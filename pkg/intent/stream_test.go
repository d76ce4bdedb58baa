package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_MonotonicIDs(t *testing.T) {
	s := NewStream(16)
	var last uint64
	for i := 0; i < 10; i++ {
		ev, err := s.Publish(EventAccepted, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
	assert.Equal(t, last, s.LastID())
}

func TestStream_ReplaySince(t *testing.T) {
	s := NewStream(16)
	for i := 0; i < 5; i++ {
		_, err := s.Publish(EventAccepted, i)
		require.NoError(t, err)
	}

	events, complete := s.ReplaySince(2)
	assert.True(t, complete)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].ID)
	assert.Equal(t, uint64(5), events[2].ID)

	events, complete = s.ReplaySince(5)
	assert.True(t, complete)
	assert.Empty(t, events)
}

func TestStream_ReplayBeyondRetentionIsIncomplete(t *testing.T) {
	s := NewStream(3)
	for i := 0; i < 10; i++ {
		_, err := s.Publish(EventAccepted, i)
		require.NoError(t, err)
	}

	// Only IDs 8..10 are retained; a reader at ID 2 cannot be caught up.
	events, complete := s.ReplaySince(2)
	assert.False(t, complete)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(8), events[0].ID)

	_, complete = s.ReplaySince(7)
	assert.True(t, complete)
}

func TestStream_SubscribeDeliversLiveEvents(t *testing.T) {
	s := NewStream(16)
	ch, cancel := s.Subscribe(4)
	defer cancel()

	published, err := s.Publish(EventVerified, "payload")
	require.NoError(t, err)

	got := <-ch
	assert.Equal(t, published.ID, got.ID)
	assert.Equal(t, EventVerified, got.Name)
}

func TestStream_SlowConsumerIsDropped(t *testing.T) {
	s := NewStream(16)
	ch, cancel := s.Subscribe(1)
	defer cancel()

	_, err := s.Publish(EventAccepted, 1)
	require.NoError(t, err)
	_, err = s.Publish(EventAccepted, 2) // buffer full, subscriber dropped
	require.NoError(t, err)

	var seen []Event
	for ev := range ch {
		seen = append(seen, ev)
	}
	require.Len(t, seen, 1, "channel closes after the drop with the buffered event")
	assert.Equal(t, uint64(1), seen[0].ID)
}

func TestStream_CancelIsIdempotent(t *testing.T) {
	s := NewStream(16)
	_, cancel := s.Subscribe(1)
	cancel()
	cancel()
}
