// Package state holds the canonical world state of the trading system. The
// manager is the single writer; every mutation recomputes the 16-hex state
// fingerprint and pokes the change channel consumed by the read projection.
package state

import (
	"log/slog"
	"sync"

	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// Manager owns the world state. Setters are transactional: the state, its
// derived posture, and its hash change together under one lock.
type Manager struct {
	mu     sync.RWMutex
	ws     contracts.WorldState
	hash   string
	notify chan struct{}
	logger *slog.Logger
}

// NewManager creates a manager with a disarmed, balanced, NORMAL world.
func NewManager() *Manager {
	m := &Manager{
		ws: contracts.WorldState{
			Mode:      "balanced",
			Posture:   contracts.PostureSafe,
			RiskState: contracts.RiskNormal,
			Allocation: contracts.Allocation{
				W1: 0.4, W2: 0.35, W3: 0.25,
			},
			BreakerStates: map[contracts.BreakerLayer]contracts.BreakerLayerState{},
		},
		notify: make(chan struct{}, 1),
		logger: slog.Default().With("component", "state"),
	}
	m.recomputeLocked()
	return m
}

// Changes returns the notification channel. A receive means "something
// mutated since you last looked"; coalesced, never blocking the writer.
func (m *Manager) Changes() <-chan struct{} {
	return m.notify
}

// Snapshot returns a deep copy of the world state and its fingerprint.
func (m *Manager) Snapshot() (contracts.WorldState, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyState(m.ws), m.hash
}

// StateHash returns the current 16-hex fingerprint.
func (m *Manager) StateHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash
}

// SetArmed arms or disarms the system.
func (m *Manager) SetArmed(armed bool) {
	m.mutate(func(ws *contracts.WorldState) { ws.Armed = armed })
}

// SetMode switches the execution mode.
func (m *Manager) SetMode(mode string) {
	m.mutate(func(ws *contracts.WorldState) { ws.Mode = mode })
}

// SetHalted toggles the hard halt.
func (m *Manager) SetHalted(halted bool) {
	m.mutate(func(ws *contracts.WorldState) { ws.Halted = halted })
}

// SetAllocation replaces the phase capital split.
func (m *Manager) SetAllocation(alloc contracts.Allocation) {
	m.mutate(func(ws *contracts.WorldState) { ws.Allocation = alloc })
}

// ApplyRiskState implements breaker.StateSink: the breaker tree pushes risk
// transitions (and, for Reflex, the halt) here in its own mutation cycle.
func (m *Manager) ApplyRiskState(risk contracts.RiskState, layers map[contracts.BreakerLayer]contracts.BreakerLayerState, halt bool) {
	m.mutate(func(ws *contracts.WorldState) {
		ws.RiskState = risk
		ws.BreakerStates = layers
		if halt {
			ws.Halted = true
		}
	})
}

// ApplyFill folds a (real, non-shadow) fill into positions and equity.
func (m *Manager) ApplyFill(fill contracts.FillEvent) {
	if fill.Shadow {
		return // advisory evidence only
	}
	m.mutate(func(ws *contracts.WorldState) {
		applyFill(ws, fill)
	})
}

// FlattenPositions clears all positions, as after a FLATTEN intent confirms.
func (m *Manager) FlattenPositions() {
	m.mutate(func(ws *contracts.WorldState) { ws.Positions = nil })
}

// Restore replaces the whole world state. Used by hydration only.
func (m *Manager) Restore(ws contracts.WorldState) {
	m.mutate(func(target *contracts.WorldState) { *target = copyState(ws) })
}

func (m *Manager) mutate(fn func(*contracts.WorldState)) {
	m.mu.Lock()
	fn(&m.ws)
	m.ws.Posture = contracts.DerivePosture(m.ws.Armed, m.ws.Halted, m.ws.RiskState)
	m.recomputeLocked()
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) recomputeLocked() {
	hash, err := canonicalize.Fingerprint(m.ws)
	if err != nil {
		// Fingerprint failure means the state is not serializable; that is a
		// programming error, not a runtime condition.
		m.logger.Error("state fingerprint failed", "error", err)
		return
	}
	m.hash = hash
}

// applyFill is the pure position/equity fold, shared with the replay engine.
func applyFill(ws *contracts.WorldState, fill contracts.FillEvent) {
	signed := fill.Quantity
	if fill.Side == "sell" {
		signed = -signed
	}
	ws.Equity += realizedDelta(fill)
	for i := range ws.Positions {
		p := &ws.Positions[i]
		if p.Venue == fill.Venue && p.Symbol == fill.Symbol {
			newQty := p.Quantity + signed
			if newQty != 0 && sameSign(p.Quantity, newQty) && signed*p.Quantity > 0 {
				// Adding to the position: blend the average price.
				p.AvgPrice = (p.AvgPrice*p.Quantity + fill.Price*signed) / newQty
			}
			p.Quantity = newQty
			if p.Quantity == 0 {
				ws.Positions = append(ws.Positions[:i], ws.Positions[i+1:]...)
			}
			return
		}
	}
	ws.Positions = append(ws.Positions, contracts.Position{
		Venue:    fill.Venue,
		Symbol:   fill.Symbol,
		Quantity: signed,
		AvgPrice: fill.Price,
	})
}

// ApplyFillTo exposes the fill fold for deterministic replay.
func ApplyFillTo(ws *contracts.WorldState, fill contracts.FillEvent) {
	if fill.Shadow {
		return
	}
	applyFill(ws, fill)
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func realizedDelta(fill contracts.FillEvent) float64 {
	// Equity tracking here is cash-flow based; mark-to-market lives in the
	// analytics plane, not the control plane.
	if fill.Side == "sell" {
		return fill.Quantity * fill.Price
	}
	return -fill.Quantity * fill.Price
}

func copyState(ws contracts.WorldState) contracts.WorldState {
	out := ws
	out.Positions = make([]contracts.Position, len(ws.Positions))
	copy(out.Positions, ws.Positions)
	out.BreakerStates = make(map[contracts.BreakerLayer]contracts.BreakerLayerState, len(ws.BreakerStates))
	for k, v := range ws.BreakerStates {
		out.BreakerStates[k] = v
	}
	return out
}
