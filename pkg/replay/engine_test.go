package replay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

type stubSnapshots struct {
	snaps []store.Snapshot
}

func (s *stubSnapshots) NearestBefore(_ context.Context, t time.Time) (*store.Snapshot, error) {
	var best *store.Snapshot
	for i := range s.snaps {
		if !s.snaps[i].TakenAt.After(t) {
			best = &s.snaps[i]
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

type stubAudits []contracts.AuditEvent

func (s stubAudits) EventsBetween(from, to time.Time) []contracts.AuditEvent {
	var out []contracts.AuditEvent
	for _, e := range s {
		if e.Timestamp.After(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out
}

type stubFills []contracts.FillEvent

func (s stubFills) Between(_ context.Context, from, to time.Time) ([]contracts.FillEvent, error) {
	var out []contracts.FillEvent
	for _, f := range s {
		if f.Timestamp.After(from) && !f.Timestamp.After(to) {
			out = append(out, f)
		}
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixtureEngine() *Engine {
	snaps := &stubSnapshots{snaps: []store.Snapshot{{
		Seq:     1,
		TakenAt: t0,
		State:   contracts.WorldState{Mode: "shadow", Equity: 100000, RiskState: contracts.RiskNormal},
	}}}
	audits := stubAudits{
		{Seq: 1, EventType: "intent", Action: "ARM", Timestamp: t0.Add(10 * time.Second)},
		{Seq: 2, EventType: "intent", Action: "SET_MODE", Timestamp: t0.Add(20 * time.Second),
			Details: map[string]any{"params": map[string]any{"mode": "live"}}},
		{Seq: 3, EventType: "breaker", Action: "TRIP", Timestamp: t0.Add(40 * time.Second),
			Details: map[string]any{"layer": "REFLEX", "risk_state": "EMERGENCY"}},
		{Seq: 4, EventType: "breaker", Action: "RESUME", Timestamp: t0.Add(50 * time.Second)},
	}
	fills := stubFills{
		{Seq: 1, Venue: "binance", Symbol: "BTC-USDT", Side: "buy", Quantity: 1, Price: 50000, Timestamp: t0.Add(30 * time.Second)},
		{Seq: 2, Venue: "binance", Symbol: "BTC-USDT", Side: "buy", Quantity: 1, Price: 51000, Shadow: true, Timestamp: t0.Add(35 * time.Second)},
	}
	return NewEngine(snaps, audits, fills)
}

func TestReconstruct_FoldsAuditAndFills(t *testing.T) {
	e := fixtureEngine()

	view, err := e.ReconstructStateAt(context.Background(), t0.Add(39*time.Second))
	require.NoError(t, err)

	assert.True(t, view.State.Armed)
	assert.Equal(t, "live", view.State.Mode)
	require.Len(t, view.State.Positions, 1, "real fill opens a position; shadow fill does not")
	assert.Equal(t, 1.0, view.State.Positions[0].Quantity)
	assert.Equal(t, 50000.0, view.State.Equity, "buy moves cash into the position")
	assert.Equal(t, contracts.RiskNormal, view.State.RiskState)
}

func TestReconstruct_TimestampCutoffExcludesLaterEvents(t *testing.T) {
	e := fixtureEngine()

	at := t0.Add(45 * time.Second)
	view, err := e.ReconstructStateAt(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskEmergency, view.State.RiskState)
	assert.True(t, view.State.Halted)
	assert.Equal(t, contracts.PostureEmergency, view.State.Posture)

	after, err := e.ReconstructStateAt(context.Background(), t0.Add(55*time.Second))
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskNormal, after.State.RiskState)
	assert.False(t, after.State.Halted)
}

func TestReconstruct_IsDeterministic(t *testing.T) {
	e := fixtureEngine()
	at := t0.Add(time.Minute)

	first, err := e.ReconstructStateAt(context.Background(), at)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.ReconstructStateAt(context.Background(), at)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first.Canonical, again.Canonical),
			"same timestamp must reconstruct byte-identical state")
		assert.Equal(t, first.StateHash, again.StateHash)
	}
}

func TestReconstruct_NoSnapshotStartsFromZeroState(t *testing.T) {
	e := NewEngine(&stubSnapshots{}, stubAudits{
		{Seq: 1, EventType: "intent", Action: "ARM", Timestamp: t0},
	}, stubFills{})

	view, err := e.ReconstructStateAt(context.Background(), t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, view.State.Armed)
	assert.Equal(t, contracts.PostureArmed, view.State.Posture)
}
