package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
)

func TestManager_HashChangesOnMutation(t *testing.T) {
	m := state.NewManager()
	before := m.StateHash()
	assert.Len(t, before, canonicalize.FingerprintLen)

	m.SetArmed(true)
	after := m.StateHash()
	assert.NotEqual(t, before, after)

	m.SetArmed(false)
	assert.Equal(t, before, m.StateHash(), "hash is a pure function of state")
}

func TestManager_PostureDerivation(t *testing.T) {
	m := state.NewManager()
	ws, _ := m.Snapshot()
	assert.Equal(t, contracts.PostureSafe, ws.Posture)

	m.SetArmed(true)
	ws, _ = m.Snapshot()
	assert.Equal(t, contracts.PostureArmed, ws.Posture)

	m.ApplyRiskState(contracts.RiskEmergency, nil, true)
	ws, _ = m.Snapshot()
	assert.Equal(t, contracts.PostureEmergency, ws.Posture)
	assert.True(t, ws.Halted)
}

func TestManager_ChangeNotification(t *testing.T) {
	m := state.NewManager()
	// Drain any pending signal from construction.
	select {
	case <-m.Changes():
	default:
	}

	m.SetMode("precision")
	select {
	case <-m.Changes():
	default:
		t.Fatal("expected a change notification")
	}
}

func TestManager_ApplyFill(t *testing.T) {
	m := state.NewManager()

	m.ApplyFill(contracts.FillEvent{Venue: "kraken", Symbol: "BTC-USD", Side: "buy", Quantity: 2, Price: 100})
	ws, _ := m.Snapshot()
	require.Len(t, ws.Positions, 1)
	assert.Equal(t, 2.0, ws.Positions[0].Quantity)
	assert.Equal(t, 100.0, ws.Positions[0].AvgPrice)
	assert.Equal(t, -200.0, ws.Equity)

	// Partial close.
	m.ApplyFill(contracts.FillEvent{Venue: "kraken", Symbol: "BTC-USD", Side: "sell", Quantity: 1, Price: 110})
	ws, _ = m.Snapshot()
	require.Len(t, ws.Positions, 1)
	assert.Equal(t, 1.0, ws.Positions[0].Quantity)
	assert.Equal(t, -90.0, ws.Equity)

	// Full close removes the position.
	m.ApplyFill(contracts.FillEvent{Venue: "kraken", Symbol: "BTC-USD", Side: "sell", Quantity: 1, Price: 120})
	ws, _ = m.Snapshot()
	assert.Empty(t, ws.Positions)
}

func TestManager_ShadowFillsIgnored(t *testing.T) {
	m := state.NewManager()
	before := m.StateHash()

	m.ApplyFill(contracts.FillEvent{Venue: "kraken", Symbol: "BTC-USD", Side: "buy", Quantity: 5, Price: 100, Shadow: true})
	assert.Equal(t, before, m.StateHash())
}

func TestManager_SnapshotIsACopy(t *testing.T) {
	m := state.NewManager()
	m.ApplyFill(contracts.FillEvent{Venue: "kraken", Symbol: "ETH-USD", Side: "buy", Quantity: 1, Price: 10})

	ws, _ := m.Snapshot()
	ws.Positions[0].Quantity = 999
	ws.Mode = "mutated"

	fresh, _ := m.Snapshot()
	assert.Equal(t, 1.0, fresh.Positions[0].Quantity)
	assert.Equal(t, "balanced", fresh.Mode)
}

func TestManager_RestoreRoundTrip(t *testing.T) {
	m := state.NewManager()
	m.SetArmed(true)
	m.SetMode("precision")
	ws, hash := m.Snapshot()

	other := state.NewManager()
	other.Restore(ws)
	_, restoredHash := other.Snapshot()
	assert.Equal(t, hash, restoredHash)
}
