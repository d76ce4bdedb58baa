// Package replay reconstructs historical world state deterministically: it
// seeds from the nearest snapshot at or before the requested timestamp, then
// folds the audit log and the fill journal forward in event order.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

// SnapshotSource finds the replay starting point.
type SnapshotSource interface {
	NearestBefore(ctx context.Context, t time.Time) (*store.Snapshot, error)
}

// AuditSource yields audit events in (from, to].
type AuditSource interface {
	EventsBetween(from, to time.Time) []contracts.AuditEvent
}

// FillSource yields journaled fills in (from, to].
type FillSource interface {
	Between(ctx context.Context, from, to time.Time) ([]contracts.FillEvent, error)
}

// View is an immutable reconstruction result. Canonical carries the JCS
// serialization of State; equal timestamps yield byte-identical Canonical.
type View struct {
	AsOf      time.Time            `json:"as_of"`
	State     contracts.WorldState `json:"state"`
	StateHash string               `json:"state_hash"`
	Canonical []byte               `json:"-"`
}

// Engine folds history into world-state views.
type Engine struct {
	snapshots SnapshotSource
	audits    AuditSource
	fills     FillSource
}

// NewEngine wires the three history sources.
func NewEngine(snapshots SnapshotSource, audits AuditSource, fills FillSource) *Engine {
	return &Engine{snapshots: snapshots, audits: audits, fills: fills}
}

// ReconstructStateAt rebuilds the world state as of the given timestamp.
func (e *Engine) ReconstructStateAt(ctx context.Context, at time.Time) (*View, error) {
	at = at.UTC()

	var ws contracts.WorldState
	var from time.Time
	snap, err := e.snapshots.NearestBefore(ctx, at)
	switch {
	case err == nil:
		ws = snap.State
		from = snap.TakenAt
	case errors.Is(err, store.ErrNotFound):
		// No snapshot yet; fold the whole history from the zero state.
	default:
		return nil, fmt.Errorf("replay: snapshot lookup: %w", err)
	}

	fills, err := e.fills.Between(ctx, from, at)
	if err != nil {
		return nil, fmt.Errorf("replay: fill lookup: %w", err)
	}

	for _, step := range mergeHistory(e.audits.EventsBetween(from, at), fills) {
		step.apply(&ws)
	}
	ws.Posture = contracts.DerivePosture(ws.Armed, ws.Halted, ws.RiskState)

	canonical, err := canonicalize.JCS(ws)
	if err != nil {
		return nil, fmt.Errorf("replay: canonicalize: %w", err)
	}
	return &View{
		AsOf:      at,
		State:     ws,
		StateHash: canonicalize.HashBytes(canonical),
		Canonical: canonical,
	}, nil
}

type historyStep struct {
	at    time.Time
	audit *contracts.AuditEvent
	fill  *contracts.FillEvent
}

func (s historyStep) apply(ws *contracts.WorldState) {
	if s.fill != nil {
		state.ApplyFillTo(ws, *s.fill)
		return
	}
	applyAudit(ws, s.audit)
}

// mergeHistory interleaves audit events and fills by timestamp. Ties resolve
// audit-first so operator actions precede fills landing in the same instant.
func mergeHistory(audits []contracts.AuditEvent, fills []contracts.FillEvent) []historyStep {
	steps := make([]historyStep, 0, len(audits)+len(fills))
	for i := range audits {
		steps = append(steps, historyStep{at: audits[i].Timestamp, audit: &audits[i]})
	}
	for i := range fills {
		steps = append(steps, historyStep{at: fills[i].Timestamp, fill: &fills[i]})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].at.Equal(steps[j].at) {
			return steps[i].at.Before(steps[j].at)
		}
		return steps[i].audit != nil && steps[j].fill != nil
	})
	return steps
}

// applyAudit folds one audit entry into the state. Only actions that record a
// completed world mutation move anything; unknown actions are skipped so old
// logs stay replayable as the action set grows.
func applyAudit(ws *contracts.WorldState, e *contracts.AuditEvent) {
	params, _ := e.Details["params"].(map[string]any)
	switch e.Action {
	case string(contracts.IntentArm):
		ws.Armed = true
	case string(contracts.IntentDisarm):
		ws.Armed = false
	case string(contracts.IntentSetMode):
		if mode, ok := params["mode"].(string); ok {
			ws.Mode = mode
		}
	case string(contracts.IntentThrottlePhase):
		phase, okP := asFloat(params["phase"])
		weight, okW := asFloat(params["weight"])
		if okP && okW {
			switch int(phase) {
			case 1:
				ws.Allocation.W1 = weight
			case 2:
				ws.Allocation.W2 = weight
			case 3:
				ws.Allocation.W3 = weight
			}
		}
	case string(contracts.IntentFlatten):
		ws.Positions = nil
	case string(contracts.IntentHalt):
		ws.Halted = true
	case string(contracts.IntentResume):
		ws.Halted = false
		ws.RiskState = contracts.RiskNormal
		ws.BreakerStates = nil
	case "TRIP":
		if risk, ok := e.Details["risk_state"].(string); ok {
			ws.RiskState = contracts.RiskState(risk)
		}
		if ws.RiskState == contracts.RiskEmergency {
			ws.Halted = true
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
