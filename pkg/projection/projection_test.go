package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
)

type stubIntents struct {
	records []*contracts.IntentRecord
	calls   int
}

func (s *stubIntents) Recent(context.Context, int) ([]*contracts.IntentRecord, error) {
	s.calls++
	return s.records, nil
}

type stubConfig map[string]any

func (s stubConfig) TopOfProvenance() map[string]any { return s }

func newProjection(t *testing.T, opts ...Option) (*Projection, *state.Manager, *breaker.Tree, *stubIntents) {
	t.Helper()
	world := state.NewManager()
	tree := breaker.NewTree(world)
	intents := &stubIntents{records: []*contracts.IntentRecord{{ID: "int-1", Type: contracts.IntentArm}}}
	p := New(world, tree, intents, stubConfig{"risk.max_drawdown_pct": 5.0}, opts...)
	t.Cleanup(p.Close)
	return p, world, tree, intents
}

func TestView_ComposesAllSources(t *testing.T) {
	p, world, _, _ := newProjection(t)
	world.SetMode("shadow")
	world.SetAllocation(contracts.Allocation{W1: 0.5, W2: 0.3, W3: 0.2})

	view, err := p.View(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "shadow", view.Mode)
	assert.Equal(t, 0.5, view.Phases["phase1"])
	assert.Equal(t, 0.2, view.Phases["phase3"])
	assert.Len(t, view.LastIntents, 1)
	assert.Equal(t, 5.0, view.Config["risk.max_drawdown_pct"])
	assert.Equal(t, world.StateHash(), view.StateHash)
	assert.Equal(t, 1.0, view.TruthConfidence)
	assert.Empty(t, view.ActiveIncidents)
}

func TestView_ServesFromCacheWithinTTL(t *testing.T) {
	now := time.Now()
	p, _, _, intents := newProjection(t, WithClock(func() time.Time { return now }))

	_, err := p.View(context.Background())
	require.NoError(t, err)
	_, err = p.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, intents.calls, "second read within the TTL must hit the cache")

	now = now.Add(time.Second)
	_, err = p.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, intents.calls)
}

func TestView_InvalidatedOnMutation(t *testing.T) {
	p, world, _, intents := newProjection(t)

	view, err := p.View(context.Background())
	require.NoError(t, err)
	assert.False(t, view.Posture == contracts.PostureArmed)

	world.SetArmed(true)
	require.Eventually(t, func() bool {
		v, err := p.View(context.Background())
		return err == nil && v.Posture == contracts.PostureArmed
	}, time.Second, 10*time.Millisecond, "mutation must invalidate the cached view")
	assert.GreaterOrEqual(t, intents.calls, 2)
}

func TestView_ReflectsBreakerIncidents(t *testing.T) {
	p, _, tree, _ := newProjection(t)
	require.NoError(t, tree.Trip(context.Background(), contracts.LayerReflex, "order loop"))
	p.Invalidate()

	view, err := p.View(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, view.ActiveIncidents)
	assert.True(t, view.Breaker[contracts.LayerReflex].Tripped)
	assert.Equal(t, 0.2, view.TruthConfidence, "halt collapses truth confidence")
}
