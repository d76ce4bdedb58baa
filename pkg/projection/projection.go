// Package projection assembles the unified operator read model from the
// state manager, breaker tree, intent service, and config registry. The view
// is cached for a short TTL and invalidated on any mutation event.
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// WorldSource provides the canonical world state.
type WorldSource interface {
	Snapshot() (contracts.WorldState, string)
	Changes() <-chan struct{}
}

// IntentSource provides the most recent intent records.
type IntentSource interface {
	Recent(ctx context.Context, limit int) ([]*contracts.IntentRecord, error)
}

// ConfigSource provides the effective configuration at top of provenance.
type ConfigSource interface {
	TopOfProvenance() map[string]any
}

// DefaultCacheTTL bounds view staleness between invalidations.
const DefaultCacheTTL = 250 * time.Millisecond

// Projection is the cached read model behind GET /operator/state.
type Projection struct {
	world   WorldSource
	breaker *breaker.Tree
	intents IntentSource
	config  ConfigSource

	ttl         time.Duration
	lastN       int
	clock       func() time.Time
	stopWatcher chan struct{}

	mu       sync.Mutex
	cached   *contracts.OperatorStateView
	cachedAt time.Time
}

// Option configures a Projection.
type Option func(*Projection)

// WithCacheTTL overrides the view cache TTL.
func WithCacheTTL(ttl time.Duration) Option { return func(p *Projection) { p.ttl = ttl } }

// WithLastIntents sets how many recent intents the view carries.
func WithLastIntents(n int) Option { return func(p *Projection) { p.lastN = n } }

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option { return func(p *Projection) { p.clock = clock } }

// New builds the projection and starts watching world mutations so the cache
// is dropped as soon as state moves.
func New(world WorldSource, tree *breaker.Tree, intents IntentSource, config ConfigSource, opts ...Option) *Projection {
	p := &Projection{
		world:       world,
		breaker:     tree,
		intents:     intents,
		config:      config,
		ttl:         DefaultCacheTTL,
		lastN:       20,
		clock:       time.Now,
		stopWatcher: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.watch()
	return p
}

// Close stops the invalidation watcher.
func (p *Projection) Close() { close(p.stopWatcher) }

func (p *Projection) watch() {
	changes := p.world.Changes()
	for {
		select {
		case <-changes:
			p.Invalidate()
		case <-p.stopWatcher:
			return
		}
	}
}

// Invalidate drops the cached view.
func (p *Projection) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// View returns the operator state view, from cache when fresh.
func (p *Projection) View(ctx context.Context) (*contracts.OperatorStateView, error) {
	now := p.clock()

	p.mu.Lock()
	if p.cached != nil && now.Sub(p.cachedAt) < p.ttl {
		view := *p.cached
		p.mu.Unlock()
		return &view, nil
	}
	p.mu.Unlock()

	view, err := p.build(ctx, now)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cached = view
	p.cachedAt = now
	p.mu.Unlock()

	out := *view
	return &out, nil
}

func (p *Projection) build(ctx context.Context, now time.Time) (*contracts.OperatorStateView, error) {
	ws, hash := p.world.Snapshot()

	recent, err := p.intents.Recent(ctx, p.lastN)
	if err != nil {
		return nil, fmt.Errorf("projection: recent intents: %w", err)
	}
	last := make([]contracts.IntentRecord, 0, len(recent))
	for _, rec := range recent {
		last = append(last, *rec)
	}

	view := &contracts.OperatorStateView{
		Mode:            ws.Mode,
		Posture:         ws.Posture,
		Phases:          map[string]float64{"phase1": ws.Allocation.W1, "phase2": ws.Allocation.W2, "phase3": ws.Allocation.W3},
		TruthConfidence: truthConfidence(ws),
		Breaker:         p.breaker.Layers(),
		ActiveIncidents: activeIncidents(ws, p.breaker),
		LastIntents:     last,
		StateHash:       hash,
		LastUpdated:     now,
	}
	if p.config != nil {
		view.Config = p.config.TopOfProvenance()
	}
	return view, nil
}

// truthConfidence summarizes how much the world state can be trusted right
// now. Confidence degrades with risk state and collapses on a halt.
func truthConfidence(ws contracts.WorldState) float64 {
	if ws.Halted {
		return 0.2
	}
	switch ws.RiskState {
	case contracts.RiskNormal:
		return 1.0
	case contracts.RiskCautious:
		return 0.8
	case contracts.RiskDefensive:
		return 0.5
	default:
		return 0.2
	}
}

func activeIncidents(ws contracts.WorldState, tree *breaker.Tree) []string {
	incidents := []string{}
	if ws.Halted {
		incidents = append(incidents, "system halted")
	}
	for _, layer := range []contracts.BreakerLayer{contracts.LayerReflex, contracts.LayerTransactional, contracts.LayerStrategic} {
		ls, err := tree.Layer(layer)
		if err != nil {
			continue
		}
		if ls.Tripped {
			incidents = append(incidents, fmt.Sprintf("breaker %s tripped: %s", layer, ls.Reason))
		}
	}
	return incidents
}
