package breaker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

type sinkCall struct {
	risk contracts.RiskState
	halt bool
}

type fakeSink struct {
	calls []sinkCall
}

func (f *fakeSink) ApplyRiskState(risk contracts.RiskState, layers map[contracts.BreakerLayer]contracts.BreakerLayerState, halt bool) {
	f.calls = append(f.calls, sinkCall{risk: risk, halt: halt})
}

func TestTree_TransactionalTripRaisesToCautious(t *testing.T) {
	sink := &fakeSink{}
	tree := breaker.NewTree(sink)
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerTransactional, "reject-rate"))
	assert.Equal(t, contracts.RiskCautious, tree.RiskState())
	assert.True(t, tree.CanTrade())
	assert.True(t, tree.CanOpenNewPositions())
}

func TestTree_StrategicTripRaisesToDefensive(t *testing.T) {
	tree := breaker.NewTree(&fakeSink{})
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerStrategic, "daily-drawdown"))
	assert.Equal(t, contracts.RiskDefensive, tree.RiskState())
	assert.True(t, tree.CanTrade())
	assert.False(t, tree.CanOpenNewPositions(), "defensive allows only reducing")
}

func TestTree_StrategicDoesNotDowngradeEmergency(t *testing.T) {
	tree := breaker.NewTree(&fakeSink{})
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerReflex, "flash-crash"))
	require.NoError(t, tree.Trip(ctx, contracts.LayerStrategic, "drawdown"))
	assert.Equal(t, contracts.RiskEmergency, tree.RiskState())
}

func TestTree_ReflexTripForcesEmergencyAndHalt(t *testing.T) {
	sink := &fakeSink{}
	tree := breaker.NewTree(sink)
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerReflex, "flash-crash"))

	assert.Equal(t, contracts.RiskEmergency, tree.RiskState())
	assert.False(t, tree.CanTrade())
	assert.False(t, tree.CanOpenNewPositions())

	require.Len(t, sink.calls, 1, "risk state and halt applied in one cycle")
	assert.Equal(t, contracts.RiskEmergency, sink.calls[0].risk)
	assert.True(t, sink.calls[0].halt)

	layer, err := tree.Layer(contracts.LayerReflex)
	require.NoError(t, err)
	assert.True(t, layer.Tripped)
	assert.Equal(t, int64(1), layer.TripCount)
	assert.Equal(t, "flash-crash", layer.Reason)
	assert.False(t, layer.LastTripTime.IsZero())
}

func TestTree_NoAutomaticDowngrade(t *testing.T) {
	tree := breaker.NewTree(&fakeSink{})
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerTransactional, "slippage"))
	require.NoError(t, tree.Reset(ctx, contracts.LayerTransactional, "op-alice"))

	layer, err := tree.Layer(contracts.LayerTransactional)
	require.NoError(t, err)
	assert.False(t, layer.Tripped)
	assert.Equal(t, contracts.RiskCautious, tree.RiskState(),
		"resetting a layer never lowers the risk state")
}

func TestTree_ResumeReturnsToNormal(t *testing.T) {
	sink := &fakeSink{}
	tree := breaker.NewTree(sink)
	ctx := context.Background()

	require.NoError(t, tree.Trip(ctx, contracts.LayerReflex, "heartbeat-loss"))
	tree.Resume(ctx, "op-alice")

	assert.Equal(t, contracts.RiskNormal, tree.RiskState())
	assert.True(t, tree.CanTrade())
	last := sink.calls[len(sink.calls)-1]
	assert.Equal(t, contracts.RiskNormal, last.risk)
	assert.False(t, last.halt)

	for _, view := range tree.Layers() {
		assert.False(t, view.Tripped)
	}

	// Trip counts survive a resume.
	layer, err := tree.Layer(contracts.LayerReflex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), layer.TripCount)
}

func TestTree_UnknownLayer(t *testing.T) {
	tree := breaker.NewTree(&fakeSink{})
	assert.Error(t, tree.Trip(context.Background(), "BOGUS", "x"))
	_, err := tree.Layer("BOGUS")
	assert.Error(t, err)
}
