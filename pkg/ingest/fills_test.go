package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
)

type memJournal struct {
	mu    sync.Mutex
	fills []contracts.FillEvent
	seen  map[uint64]bool
}

func newMemJournal() *memJournal {
	return &memJournal{seen: make(map[uint64]bool)}
}

func (j *memJournal) Append(_ context.Context, fill contracts.FillEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seen[fill.Seq] {
		return nil
	}
	j.seen[fill.Seq] = true
	j.fills = append(j.fills, fill)
	return nil
}

func (j *memJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.fills)
}

func TestFillConsumer_JournalsAndAppliesFills(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	world := state.NewManager()
	journal := newMemJournal()
	c := NewFillConsumer(world, journal, nil)
	require.NoError(t, c.Start(b))
	defer c.Stop()

	fill := contracts.FillEvent{
		Seq:       1,
		Venue:     "kraken",
		Symbol:    "BTC/USD",
		Side:      "buy",
		Quantity:  0.5,
		Price:     60000,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.Publish(context.Background(), bus.FillSubject("kraken"), fill))

	assert.Eventually(t, func() bool {
		ws, _ := world.Snapshot()
		return len(ws.Positions) == 1 && journal.count() == 1
	}, time.Second, 10*time.Millisecond)

	ws, _ := world.Snapshot()
	assert.Equal(t, "BTC/USD", ws.Positions[0].Symbol)
	assert.Equal(t, 0.5, ws.Positions[0].Quantity)
}

func TestFillConsumer_ShadowFillsJournaledNotApplied(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	world := state.NewManager()
	journal := newMemJournal()
	c := NewFillConsumer(world, journal, nil)
	require.NoError(t, c.Start(b))
	defer c.Stop()

	fill := contracts.FillEvent{
		Seq:       7,
		Venue:     "binance",
		Symbol:    "ETH/USD",
		Side:      "buy",
		Quantity:  2,
		Price:     3000,
		Shadow:    true,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.Publish(context.Background(), bus.FillSubject("binance"), fill))

	assert.Eventually(t, func() bool {
		return journal.count() == 1
	}, time.Second, 10*time.Millisecond)

	ws, _ := world.Snapshot()
	assert.Empty(t, ws.Positions, "shadow fills are evidence, not state")
}

func TestFillConsumer_BadPayloadGoesToDLQ(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	world := state.NewManager()
	journal := newMemJournal()
	c := NewFillConsumer(world, journal, nil)
	require.NoError(t, c.Start(b))
	defer c.Stop()

	var dlqHits int
	var mu sync.Mutex
	_, err := b.Subscribe(bus.DLQSubject("fill-consumer"), "test", func(ctx context.Context, subject string, payload []byte) error {
		mu.Lock()
		dlqHits++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.FillSubject("kraken"), "not a fill"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dlqHits == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, journal.count())
}
