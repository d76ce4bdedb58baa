package intent

import (
	"context"
	"fmt"

	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/configreg"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
)

// Publisher is the slice of the bus the executors need.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Builtins binds the built-in intent definitions to the live components.
// CancelIntent is late-bound to Service.Cancel after construction.
type Builtins struct {
	State        *state.Manager
	Breakers     *breaker.Tree
	Config       *configreg.Registry
	Bus          Publisher
	CancelIntent func(ctx context.Context, id, operatorID string) error
}

// Register adds every built-in intent type to the registry.
func (b *Builtins) Register(reg *Registry) error {
	defs := []Definition{
		b.arm(), b.disarm(), b.setMode(), b.throttlePhase(), b.flatten(),
		b.overrideRisk(), b.applyProposal(), b.rollbackConfig(),
		b.runReconcile(), b.halt(), b.resume(), b.cancel(), b.resetBreaker(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

const emptyParamsSchema = `{"type":"object","additionalProperties":false}`

func (b *Builtins) arm() Definition {
	return Definition{
		Type:            contracts.IntentArm,
		ParamsSchema:    emptyParamsSchema,
		Danger:          contracts.DangerModerate,
		RequiresTrading: true,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			prior, _ := b.State.Snapshot()
			b.State.SetArmed(true)
			next, _ := b.State.Snapshot()
			return &contracts.IntentReceipt{
				Effect:     "trading armed",
				PriorState: stateDigest(prior),
				NewState:   stateDigest(next),
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, hash := b.State.Snapshot()
			return Verification{
				Verified: ws.Armed,
				Evidence: []string{"world armed=" + fmt.Sprint(ws.Armed), "state_hash=" + hash},
			}, nil
		},
	}
}

func (b *Builtins) disarm() Definition {
	return Definition{
		Type:         contracts.IntentDisarm,
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			prior, _ := b.State.Snapshot()
			b.State.SetArmed(false)
			next, _ := b.State.Snapshot()
			return &contracts.IntentReceipt{
				Effect:     "trading disarmed",
				PriorState: stateDigest(prior),
				NewState:   stateDigest(next),
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			return Verification{Verified: !ws.Armed, Evidence: []string{"world armed=" + fmt.Sprint(ws.Armed)}}, nil
		},
	}
}

func (b *Builtins) setMode() Definition {
	return Definition{
		Type: contracts.IntentSetMode,
		ParamsSchema: `{
			"type": "object",
			"required": ["mode"],
			"additionalProperties": false,
			"properties": {
				"mode": {"type": "string", "enum": ["shadow", "paper", "live"]}
			}
		}`,
		Danger:          contracts.DangerModerate,
		RequiresTrading: true,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			mode := rec.Params["mode"].(string)
			prior, _ := b.State.Snapshot()
			b.State.SetMode(mode)
			return &contracts.IntentReceipt{
				Effect:     "mode set to " + mode,
				PriorState: map[string]any{"mode": prior.Mode},
				NewState:   map[string]any{"mode": mode},
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			want := rec.Params["mode"].(string)
			return Verification{Verified: ws.Mode == want, Evidence: []string{"world mode=" + ws.Mode}}, nil
		},
	}
}

func (b *Builtins) throttlePhase() Definition {
	return Definition{
		Type: contracts.IntentThrottlePhase,
		ParamsSchema: `{
			"type": "object",
			"required": ["phase", "weight"],
			"additionalProperties": false,
			"properties": {
				"phase": {"type": "integer", "minimum": 1, "maximum": 3},
				"weight": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}`,
		Danger: contracts.DangerModerate,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			phase := int(rec.Params["phase"].(float64))
			weight := rec.Params["weight"].(float64)
			ws, _ := b.State.Snapshot()
			prior := ws.Allocation
			next := prior
			switch phase {
			case 1:
				next.W1 = weight
			case 2:
				next.W2 = weight
			case 3:
				next.W3 = weight
			}
			b.State.SetAllocation(next)
			return &contracts.IntentReceipt{
				Effect:     fmt.Sprintf("phase %d throttled to %.3f", phase, weight),
				PriorState: map[string]any{"allocation": prior},
				NewState:   map[string]any{"allocation": next},
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			phase := int(rec.Params["phase"].(float64))
			want := rec.Params["weight"].(float64)
			got := map[int]float64{1: ws.Allocation.W1, 2: ws.Allocation.W2, 3: ws.Allocation.W3}[phase]
			return Verification{
				Verified: got == want,
				Evidence: []string{fmt.Sprintf("phase %d weight=%.3f", phase, got)},
			}, nil
		},
	}
}

func (b *Builtins) flatten() Definition {
	return Definition{
		Type:         contracts.IntentFlatten,
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerCritical,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			ws, _ := b.State.Snapshot()
			closed := make([]string, 0, len(ws.Positions))
			for _, pos := range ws.Positions {
				side := "sell"
				if pos.Quantity < 0 {
					side = "buy"
				}
				order := map[string]any{
					"venue":     pos.Venue,
					"symbol":    pos.Symbol,
					"side":      side,
					"quantity":  abs(pos.Quantity),
					"kind":      "market",
					"intent_id": rec.ID,
				}
				if err := b.Bus.Publish(ctx, bus.PlaceOrderSubject(pos.Venue, "operator", pos.Symbol), order); err != nil {
					return nil, fmt.Errorf("flatten %s/%s: %w", pos.Venue, pos.Symbol, err)
				}
				closed = append(closed, pos.Venue+"/"+pos.Symbol)
			}
			b.State.FlattenPositions()
			return &contracts.IntentReceipt{
				Effect:   fmt.Sprintf("flattened %d positions", len(closed)),
				NewState: map[string]any{"closed": closed},
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			return Verification{
				Verified: len(ws.Positions) == 0,
				Evidence: []string{fmt.Sprintf("open positions=%d", len(ws.Positions))},
			}, nil
		},
	}
}

func (b *Builtins) overrideRisk() Definition {
	return Definition{
		Type: contracts.IntentOverrideRisk,
		ParamsSchema: `{
			"type": "object",
			"required": ["key", "value"],
			"additionalProperties": false,
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"value": {}
			}
		}`,
		Danger: contracts.DangerCritical,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			key := rec.Params["key"].(string)
			receipt, err := b.Config.CreateOverride(ctx, key, rec.Params["value"], rec.OperatorID, rec.Reason)
			if err != nil {
				return nil, err
			}
			return &contracts.IntentReceipt{
				Effect:     "risk override on " + key,
				PriorState: map[string]any{key: receipt.PreviousValue},
				NewState:   map[string]any{key: receipt.NewValue, "receipt_id": receipt.ID},
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			key := rec.Params["key"].(string)
			eff, err := b.Config.GetEffective(key)
			if err != nil {
				return Verification{Evidence: []string{"effective lookup: " + err.Error()}}, nil
			}
			want, _ := canonicalize.JCSString(rec.Params["value"])
			got, _ := canonicalize.JCSString(eff.Value)
			return Verification{
				Verified: topLayer(eff) == configreg.LayerOverride && got == want,
				Evidence: []string{"source=" + topLayer(eff), "effective=" + got},
			}, nil
		},
	}
}

func (b *Builtins) applyProposal() Definition {
	return Definition{
		Type: contracts.IntentApplyProposal,
		ParamsSchema: `{
			"type": "object",
			"required": ["preset"],
			"additionalProperties": false,
			"properties": {
				"preset": {"type": "string", "minLength": 1}
			}
		}`,
		Danger: contracts.DangerModerate,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			preset := rec.Params["preset"].(string)
			outcomes, err := b.Config.ApplyPreset(ctx, preset, rec.OperatorID)
			if err != nil {
				return nil, err
			}
			applied, skipped := 0, 0
			detail := make(map[string]any, len(outcomes))
			for _, o := range outcomes {
				if o.Applied {
					applied++
				} else {
					skipped++
				}
				detail[o.Key] = o
			}
			return &contracts.IntentReceipt{
				Effect:   fmt.Sprintf("preset %s: %d applied, %d skipped", preset, applied, skipped),
				NewState: detail,
			}, nil
		},
	}
}

func (b *Builtins) rollbackConfig() Definition {
	return Definition{
		Type: contracts.IntentRollbackConfig,
		ParamsSchema: `{
			"type": "object",
			"required": ["key"],
			"additionalProperties": false,
			"properties": {
				"key": {"type": "string", "minLength": 1}
			}
		}`,
		Danger: contracts.DangerCritical,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			key := rec.Params["key"].(string)
			receipt, err := b.Config.Rollback(ctx, key, rec.OperatorID)
			if err != nil {
				return nil, err
			}
			return &contracts.IntentReceipt{
				Effect:     "rolled back override on " + key,
				PriorState: map[string]any{key: receipt.PreviousValue},
				NewState:   map[string]any{key: receipt.NewValue, "receipt_id": receipt.ID},
			}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			key := rec.Params["key"].(string)
			eff, err := b.Config.GetEffective(key)
			if err != nil {
				return Verification{Evidence: []string{"effective lookup: " + err.Error()}}, nil
			}
			return Verification{
				Verified: topLayer(eff) != configreg.LayerOverride,
				Evidence: []string{"source=" + topLayer(eff)},
			}, nil
		},
	}
}

func (b *Builtins) runReconcile() Definition {
	return Definition{
		Type:         contracts.IntentRunReconcile,
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			cmd := map[string]any{"requested_by": rec.OperatorID, "intent_id": rec.ID}
			if err := b.Bus.Publish(ctx, bus.SubjectReconcile, cmd); err != nil {
				return nil, err
			}
			return &contracts.IntentReceipt{Effect: "reconcile requested"}, nil
		},
	}
}

func (b *Builtins) halt() Definition {
	return Definition{
		Type:         contracts.IntentHalt,
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerCritical,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			cmd := map[string]any{"requested_by": rec.OperatorID, "intent_id": rec.ID, "reason": rec.Reason}
			if err := b.Bus.Publish(ctx, bus.SubjectHalt, cmd); err != nil {
				return nil, err
			}
			b.State.SetHalted(true)
			return &contracts.IntentReceipt{Effect: "system halted"}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			return Verification{Verified: ws.Halted, Evidence: []string{"world halted=" + fmt.Sprint(ws.Halted)}}, nil
		},
	}
}

func (b *Builtins) resume() Definition {
	return Definition{
		Type:         contracts.IntentResume,
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerCritical,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			b.Breakers.Resume(ctx, rec.OperatorID)
			b.State.SetHalted(false)
			return &contracts.IntentReceipt{Effect: "system resumed, breakers closed"}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			ws, _ := b.State.Snapshot()
			ok := !ws.Halted && b.Breakers.CanTrade()
			return Verification{
				Verified: ok,
				Evidence: []string{"world halted=" + fmt.Sprint(ws.Halted), "can_trade=" + fmt.Sprint(b.Breakers.CanTrade())},
			}, nil
		},
	}
}

func (b *Builtins) cancel() Definition {
	return Definition{
		Type: contracts.IntentCancelIntent,
		ParamsSchema: `{
			"type": "object",
			"required": ["intent_id"],
			"additionalProperties": false,
			"properties": {
				"intent_id": {"type": "string", "minLength": 1}
			}
		}`,
		Danger: contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			target := rec.Params["intent_id"].(string)
			if err := b.CancelIntent(ctx, target, rec.OperatorID); err != nil {
				return nil, fmt.Errorf("cancel %s: %w", target, err)
			}
			return &contracts.IntentReceipt{Effect: "cancelled intent " + target}, nil
		},
	}
}

func (b *Builtins) resetBreaker() Definition {
	return Definition{
		Type: contracts.IntentResetBreaker,
		ParamsSchema: `{
			"type": "object",
			"required": ["layer"],
			"additionalProperties": false,
			"properties": {
				"layer": {"type": "string", "enum": ["REFLEX", "TRANSACTIONAL", "STRATEGIC"]}
			}
		}`,
		Danger: contracts.DangerModerate,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			layer := contracts.BreakerLayer(rec.Params["layer"].(string))
			if err := b.Breakers.Reset(ctx, layer, rec.OperatorID); err != nil {
				return nil, err
			}
			return &contracts.IntentReceipt{Effect: "breaker " + string(layer) + " reset"}, nil
		},
		Verify: func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error) {
			layer := contracts.BreakerLayer(rec.Params["layer"].(string))
			ls, err := b.Breakers.Layer(layer)
			if err != nil {
				return Verification{}, err
			}
			return Verification{
				Verified: !ls.Tripped,
				Evidence: []string{fmt.Sprintf("layer %s tripped=%v", layer, ls.Tripped)},
			}, nil
		},
	}
}

// BreakerGuard blocks trading-dependent intents while the breaker tree
// forbids trading.
func BreakerGuard(tree *breaker.Tree) Guard {
	return func(rec *contracts.IntentRecord, def Definition) []Reason {
		if !def.RequiresTrading {
			return nil
		}
		if tree.CanTrade() {
			return []Reason{{Code: "breaker", Message: "breaker tree permits trading"}}
		}
		return []Reason{{
			Code:     string(contracts.OutcomeBlockedBreaker),
			Message:  "breaker tree forbids trading at risk state " + string(tree.RiskState()),
			Blocking: true,
		}}
	}
}

// CriticalCapGuard caps concurrent in-flight critical intents.
func CriticalCapGuard(limit int, inflight func(contracts.DangerLevel) int) Guard {
	return func(rec *contracts.IntentRecord, def Definition) []Reason {
		if def.Danger != contracts.DangerCritical {
			return nil
		}
		if n := inflight(contracts.DangerCritical); n >= limit {
			return []Reason{{
				Code:     string(contracts.OutcomeBlockedByCap),
				Message:  fmt.Sprintf("%d critical intents already in flight (cap %d)", n, limit),
				Blocking: true,
			}}
		}
		return []Reason{{Code: "cap", Message: "critical intent cap not reached"}}
	}
}

func topLayer(eff configreg.Effective) string {
	if len(eff.Provenance) == 0 {
		return ""
	}
	return eff.Provenance[len(eff.Provenance)-1].Layer
}

func stateDigest(ws contracts.WorldState) map[string]any {
	return map[string]any{
		"armed":   ws.Armed,
		"mode":    ws.Mode,
		"halted":  ws.Halted,
		"posture": ws.Posture,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
