package bus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("evt.execution.fill.v1.*", "test", func(ctx context.Context, subject string, payload []byte) error {
		mu.Lock()
		got = append(got, subject)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.FillSubject("kraken"), map[string]any{"qty": 1}))
	require.NoError(t, b.Publish(context.Background(), "cmd.sys.halt.v1", map[string]any{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt.execution.fill.v1.kraken"}, got)
}

func TestMemoryBus_DurableGroupDeliversToOneMember(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	handler := func(ctx context.Context, subject string, payload []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	_, err := b.SubscribeDurable("evt.audit.operator.v1", "audit-writers", "audit", handler)
	require.NoError(t, err)
	_, err = b.SubscribeDurable("evt.audit.operator.v1", "audit-writers", "audit", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.SubjectAuditOperator, map[string]any{"n": 1}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "each message reaches exactly one group member")
}

func TestMemoryBus_DecodeFailureRoutesToDLQ(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var dlq []bus.DLQRecord
	_, err := b.Subscribe(bus.DLQSubject("fills"), "test", func(ctx context.Context, subject string, payload []byte) error {
		var rec bus.DLQRecord
		require.NoError(t, json.Unmarshal(payload, &rec))
		mu.Lock()
		dlq = append(dlq, rec)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = b.SubscribeDurable("evt.execution.fill.v1.*", "fill-consumers", "fills", func(ctx context.Context, subject string, payload []byte) error {
		return bus.DecodeError(assert.AnError)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.FillSubject("kraken"), "garbage"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dlq, 1)
	assert.Equal(t, "evt.execution.fill.v1.kraken", dlq[0].OriginalSubject)
	assert.Contains(t, dlq[0].Error, "decode failure")
}

func TestSubjectConstants(t *testing.T) {
	assert.Equal(t, "cmd.execution.place.v1.kraken.main.BTC-USD", bus.PlaceOrderSubject("kraken", "main", "BTC-USD"))
	assert.Equal(t, "dlq.intent", bus.DLQSubject("intent"))
}
