// Package breaker implements the three-layer circuit breaker tree and the
// risk-state machine. Layers latch: a trip escalates the risk state per the
// escalation table and nothing de-escalates automatically. Only an operator
// RESUME or RESET_BREAKER returns the system to NORMAL.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// StateSink receives risk-state changes. Implemented by the state manager;
// the Reflex layer additionally forces a halt through it in the same
// mutation cycle as the trip.
type StateSink interface {
	ApplyRiskState(risk contracts.RiskState, layers map[contracts.BreakerLayer]contracts.BreakerLayerState, halt bool)
}

// Publisher is the slice of the bus the tree needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Auditor records trips and resets.
type Auditor interface {
	Append(ctx context.Context, eventType, actorID, action string, details map[string]any) (*contracts.AuditEvent, error)
}

// TripEvent is published on evt.breaker.tripped.v1.
type TripEvent struct {
	Layer     contracts.BreakerLayer `json:"layer"`
	Reason    string                 `json:"reason"`
	RiskState contracts.RiskState    `json:"risk_state"`
	TripCount int64                  `json:"trip_count"`
	Timestamp time.Time              `json:"timestamp"`
}

type layerState struct {
	tripped      atomic.Bool
	tripCount    atomic.Int64
	lastTripTime atomic.Int64 // unix nanos
	mu           sync.Mutex
	reason       string
}

// Tree owns breaker and risk-state transitions. All writers go through the
// tree mutex; counters are atomic so introspection never blocks a trip.
type Tree struct {
	mu     sync.Mutex
	layers map[contracts.BreakerLayer]*layerState
	risk   contracts.RiskState

	sink    StateSink
	pub     Publisher
	auditor Auditor
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithPublisher emits breaker events on the bus.
func WithPublisher(p Publisher) Option { return func(t *Tree) { t.pub = p } }

// WithAuditor records trips and resets in the audit log.
func WithAuditor(a Auditor) Option { return func(t *Tree) { t.auditor = a } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(t *Tree) { t.clock = clock } }

// NewTree builds the tree with all layers closed and risk NORMAL.
func NewTree(sink StateSink, opts ...Option) *Tree {
	t := &Tree{
		layers: map[contracts.BreakerLayer]*layerState{
			contracts.LayerReflex:        {},
			contracts.LayerTransactional: {},
			contracts.LayerStrategic:     {},
		},
		risk:   contracts.RiskNormal,
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default().With("component", "breaker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Trip latches a layer and escalates the risk state:
//
//	Transactional → CAUTIOUS when NORMAL
//	Strategic     → DEFENSIVE when at or below CAUTIOUS
//	Reflex        → EMERGENCY, always, plus halt
func (t *Tree) Trip(ctx context.Context, layer contracts.BreakerLayer, reason string) error {
	ls, ok := t.layers[layer]
	if !ok {
		return fmt.Errorf("breaker: unknown layer %q", layer)
	}

	t.mu.Lock()
	ls.tripped.Store(true)
	ls.tripCount.Add(1)
	now := t.clock()
	ls.lastTripTime.Store(now.UnixNano())
	ls.mu.Lock()
	ls.reason = reason
	ls.mu.Unlock()

	halt := false
	switch layer {
	case contracts.LayerTransactional:
		if t.risk == contracts.RiskNormal {
			t.risk = contracts.RiskCautious
		}
	case contracts.LayerStrategic:
		if !t.risk.AtLeast(contracts.RiskDefensive) {
			t.risk = contracts.RiskDefensive
		}
	case contracts.LayerReflex:
		t.risk = contracts.RiskEmergency
		halt = true
	}
	risk := t.risk
	layersCopy := t.snapshotLocked()
	t.mu.Unlock()

	// Same mutation cycle: the world state sees the new risk state and the
	// halt before anyone observes the trip event.
	if t.sink != nil {
		t.sink.ApplyRiskState(risk, layersCopy, halt)
	}

	event := TripEvent{
		Layer:     layer,
		Reason:    reason,
		RiskState: risk,
		TripCount: ls.tripCount.Load(),
		Timestamp: now.UTC(),
	}
	if t.pub != nil {
		if err := t.pub.Publish(ctx, bus.SubjectBreakerTripped, event); err != nil {
			t.logger.Warn("breaker event publish failed", "layer", layer, "error", err)
		}
	}
	if t.auditor != nil {
		_, err := t.auditor.Append(ctx, "breaker", "system", "TRIP", map[string]any{
			"layer":      string(layer),
			"reason":     reason,
			"risk_state": string(risk),
		})
		if err != nil {
			t.logger.Warn("breaker audit append failed", "layer", layer, "error", err)
		}
	}

	t.logger.Warn("breaker tripped", "layer", layer, "reason", reason, "risk_state", risk)
	return nil
}

// Reset closes a single layer without touching the risk state.
func (t *Tree) Reset(ctx context.Context, layer contracts.BreakerLayer, operatorID string) error {
	ls, ok := t.layers[layer]
	if !ok {
		return fmt.Errorf("breaker: unknown layer %q", layer)
	}

	t.mu.Lock()
	ls.tripped.Store(false)
	ls.mu.Lock()
	ls.reason = ""
	ls.mu.Unlock()
	risk := t.risk
	layersCopy := t.snapshotLocked()
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.ApplyRiskState(risk, layersCopy, false)
	}
	t.audit(ctx, operatorID, "RESET_BREAKER", map[string]any{"layer": string(layer)})
	return nil
}

// Resume is the operator's way back: closes every layer, returns the risk
// state to NORMAL, and lifts the halt.
func (t *Tree) Resume(ctx context.Context, operatorID string) {
	t.mu.Lock()
	for _, ls := range t.layers {
		ls.tripped.Store(false)
		ls.mu.Lock()
		ls.reason = ""
		ls.mu.Unlock()
	}
	t.risk = contracts.RiskNormal
	layersCopy := t.snapshotLocked()
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.ApplyRiskState(contracts.RiskNormal, layersCopy, false)
	}
	t.audit(ctx, operatorID, "RESUME", nil)
}

// RiskState returns the current risk state.
func (t *Tree) RiskState() contracts.RiskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.risk
}

// CanTrade reports whether any trading activity is allowed.
func (t *Tree) CanTrade() bool {
	if t.layers[contracts.LayerReflex].tripped.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.risk != contracts.RiskEmergency
}

// CanOpenNewPositions reports whether new exposure may be added. DEFENSIVE
// allows only reducing positions.
func (t *Tree) CanOpenNewPositions() bool {
	if !t.CanTrade() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.risk.AtLeast(contracts.RiskDefensive)
}

// Layer returns the introspection view of one layer.
func (t *Tree) Layer(layer contracts.BreakerLayer) (contracts.BreakerLayerState, error) {
	ls, ok := t.layers[layer]
	if !ok {
		return contracts.BreakerLayerState{}, fmt.Errorf("breaker: unknown layer %q", layer)
	}
	return t.viewOf(layer, ls), nil
}

// Layers returns the introspection view of all layers.
func (t *Tree) Layers() map[contracts.BreakerLayer]contracts.BreakerLayerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() map[contracts.BreakerLayer]contracts.BreakerLayerState {
	out := make(map[contracts.BreakerLayer]contracts.BreakerLayerState, len(t.layers))
	for layer, ls := range t.layers {
		out[layer] = t.viewOf(layer, ls)
	}
	return out
}

func (t *Tree) viewOf(layer contracts.BreakerLayer, ls *layerState) contracts.BreakerLayerState {
	ls.mu.Lock()
	reason := ls.reason
	ls.mu.Unlock()
	view := contracts.BreakerLayerState{
		Layer:     layer,
		Tripped:   ls.tripped.Load(),
		TripCount: ls.tripCount.Load(),
		Reason:    reason,
	}
	if nanos := ls.lastTripTime.Load(); nanos > 0 {
		view.LastTripTime = time.Unix(0, nanos).UTC()
	}
	return view
}

func (t *Tree) audit(ctx context.Context, actorID, action string, details map[string]any) {
	if t.auditor == nil {
		return
	}
	if _, err := t.auditor.Append(ctx, "breaker", actorID, action, details); err != nil {
		t.logger.Warn("breaker audit append failed", "action", action, "error", err)
	}
}
