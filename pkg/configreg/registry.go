package configreg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/crypto"
)

// Provenance layer names, in resolution order (last wins).
const (
	LayerDefault  = "default"
	LayerFile     = "file"
	LayerEnv      = "env"
	LayerOverride = "override"
)

// Provenance is one step of an item's resolution chain.
type Provenance struct {
	Layer string `json:"layer"`
	Value any    `json:"value"`
}

// Effective is a resolved value plus its full provenance chain.
type Effective struct {
	Key        string       `json:"key"`
	Value      any          `json:"value"`
	Provenance []Provenance `json:"provenance"`
}

// Publisher is the slice of the bus the registry needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Auditor records state-changing registry actions.
type Auditor interface {
	Append(ctx context.Context, eventType, actorID, action string, details map[string]any) (*contracts.AuditEvent, error)
}

// ChangedEvent is published on evt.config.changed.v1 after every mutation.
type ChangedEvent struct {
	Key       string                   `json:"key"`
	Value     any                      `json:"value"`
	Action    contracts.OverrideAction `json:"action"`
	ReceiptID string                   `json:"receipt_id"`
}

// Registry owns config overrides and receipts. The catalog and the file/env
// layers are fixed at construction; only the override layer mutates, behind
// the registry mutex. Effective resolution is wait-free via a copy-on-write
// snapshot map.
type Registry struct {
	catalog *Catalog
	signer  crypto.Signer

	mu        sync.Mutex
	fileLayer map[string]any
	envLayer  map[string]any
	overrides map[string]any
	receipts  []contracts.OverrideReceipt
	snapshot  atomic.Value // map[string]Effective

	receiptSink io.Writer
	pub         Publisher
	auditor     Auditor
	presets     map[string]map[string]any
	clock       func() time.Time
	logger      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFileLayer sets values sourced from the config file.
func WithFileLayer(values map[string]any) RegistryOption {
	return func(r *Registry) { r.fileLayer = values }
}

// WithEnvLayer sets values sourced from the environment.
func WithEnvLayer(values map[string]any) RegistryOption {
	return func(r *Registry) { r.envLayer = values }
}

// WithReceiptSink appends every receipt as a JSON line to w.
func WithReceiptSink(w io.Writer) RegistryOption {
	return func(r *Registry) { r.receiptSink = w }
}

// WithPublisher emits config.changed events.
func WithPublisher(p Publisher) RegistryOption {
	return func(r *Registry) { r.pub = p }
}

// WithAuditor records mutations in the audit log.
func WithAuditor(a Auditor) RegistryOption {
	return func(r *Registry) { r.auditor = a }
}

// WithPresets registers named override batches.
func WithPresets(presets map[string]map[string]any) RegistryOption {
	return func(r *Registry) { r.presets = presets }
}

// WithRegistryClock overrides the clock for testing.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry builds a registry over the catalog.
func NewRegistry(catalog *Catalog, signer crypto.Signer, opts ...RegistryOption) *Registry {
	r := &Registry{
		catalog:   catalog,
		signer:    signer,
		fileLayer: map[string]any{},
		envLayer:  map[string]any{},
		overrides: map[string]any{},
		presets:   map[string]map[string]any{},
		clock:     time.Now,
		logger:    slog.Default().With("component", "configreg"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rebuildSnapshot()
	return r
}

// GetEffective returns the resolved value and provenance chain for key.
func (r *Registry) GetEffective(key string) (Effective, error) {
	snap := r.snapshot.Load().(map[string]Effective)
	eff, ok := snap[key]
	if !ok {
		return Effective{}, fmt.Errorf("configreg: unknown key %q", key)
	}
	return eff, nil
}

// EffectiveAll returns a copy of the whole resolved map.
func (r *Registry) EffectiveAll() map[string]Effective {
	snap := r.snapshot.Load().(map[string]Effective)
	out := make(map[string]Effective, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// TopOfProvenance returns key → winning layer name for every item. Feeds the
// state projection.
func (r *Registry) TopOfProvenance() map[string]any {
	snap := r.snapshot.Load().(map[string]Effective)
	out := make(map[string]any, len(snap))
	for k, eff := range snap {
		top := eff.Provenance[len(eff.Provenance)-1]
		out[k] = map[string]any{"value": eff.Value, "layer": top.Layer}
	}
	return out
}

// Receipts returns a copy of the receipt chain.
func (r *Registry) Receipts() []contracts.OverrideReceipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.OverrideReceipt, len(r.receipts))
	copy(out, r.receipts)
	return out
}

// CreateOverride validates, safety-checks, signs, and applies one override.
func (r *Registry) CreateOverride(ctx context.Context, key string, value any, operatorID, reason string) (*contracts.OverrideReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.catalog.Item(key)
	if !ok {
		return nil, fmt.Errorf("configreg: unknown key %q", key)
	}

	previous := r.resolveLocked(key).Value

	if err := r.catalog.Validate(key, value); err != nil {
		return nil, err
	}
	if err := checkSafety(item, previous, value); err != nil {
		return nil, err
	}

	receipt, err := r.appendReceiptLocked(key, previous, value, operatorID, reason, contracts.ActionOverride)
	if err != nil {
		return nil, err
	}

	r.overrides[key] = value
	r.rebuildSnapshot()
	r.announce(ctx, key, value, contracts.ActionOverride, receipt, operatorID, reason)
	return receipt, nil
}

// Rollback removes the active override for key, restoring the next-lower
// provenance layer, and issues a rollback receipt referencing the reversal.
func (r *Registry) Rollback(ctx context.Context, key, operatorID string) (*contracts.OverrideReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.catalog.Item(key); !ok {
		return nil, fmt.Errorf("configreg: unknown key %q", key)
	}
	overridden, ok := r.overrides[key]
	if !ok {
		return nil, fmt.Errorf("configreg: no active override for %q", key)
	}

	delete(r.overrides, key)
	restored := r.resolveLocked(key).Value

	receipt, err := r.appendReceiptLocked(key, overridden, restored, operatorID, "rollback", contracts.ActionRollback)
	if err != nil {
		// Put the override back; the receipt chain is the source of truth.
		r.overrides[key] = overridden
		return nil, err
	}

	r.rebuildSnapshot()
	r.announce(ctx, key, restored, contracts.ActionRollback, receipt, operatorID, "rollback")
	return receipt, nil
}

// PresetOutcome reports the result of one key in a preset application.
type PresetOutcome struct {
	Key       string `json:"key"`
	Applied   bool   `json:"applied"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ApplyPreset applies a named override batch. Failures are reported per key;
// the rest of the batch still applies.
func (r *Registry) ApplyPreset(ctx context.Context, name, operatorID string) ([]PresetOutcome, error) {
	preset, ok := r.presets[name]
	if !ok {
		return nil, fmt.Errorf("configreg: unknown preset %q", name)
	}

	outcomes := make([]PresetOutcome, 0, len(preset))
	for _, key := range sortedKeys(preset) {
		receipt, err := r.CreateOverride(ctx, key, preset[key], operatorID, "preset:"+name)
		if err != nil {
			outcomes = append(outcomes, PresetOutcome{Key: key, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, PresetOutcome{Key: key, Applied: true, ReceiptID: receipt.ID})
	}
	return outcomes, nil
}

// LoadReceipts rebuilds the override set from a persisted receipt stream.
// Every receipt's signature must verify; the first invalid one aborts the load.
func (r *Registry) LoadReceipts(reader io.Reader) error {
	dec := json.NewDecoder(reader)
	var receipts []contracts.OverrideReceipt
	for dec.More() {
		var rec contracts.OverrideReceipt
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("configreg: decode receipt %d: %w", len(receipts)+1, err)
		}
		ok, err := r.signer.VerifyReceipt(&rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("configreg: receipt %s failed signature verification", rec.ID)
		}
		receipts = append(receipts, rec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = receipts
	r.overrides = map[string]any{}
	for _, rec := range receipts {
		switch rec.Action {
		case contracts.ActionOverride:
			r.overrides[rec.Key] = rec.NewValue
		case contracts.ActionRollback:
			delete(r.overrides, rec.Key)
		}
	}
	r.rebuildSnapshot()
	return nil
}

// resolveLocked computes the effective value of key under r.mu.
func (r *Registry) resolveLocked(key string) Effective {
	item, _ := r.catalog.Item(key)
	eff := Effective{
		Key:        key,
		Value:      item.Default,
		Provenance: []Provenance{{Layer: LayerDefault, Value: item.Default}},
	}
	if v, ok := r.fileLayer[key]; ok {
		eff.Value = v
		eff.Provenance = append(eff.Provenance, Provenance{Layer: LayerFile, Value: v})
	}
	if v, ok := r.envLayer[key]; ok {
		eff.Value = v
		eff.Provenance = append(eff.Provenance, Provenance{Layer: LayerEnv, Value: v})
	}
	if v, ok := r.overrides[key]; ok {
		eff.Value = v
		eff.Provenance = append(eff.Provenance, Provenance{Layer: LayerOverride, Value: v})
	}
	return eff
}

func (r *Registry) rebuildSnapshot() {
	snap := make(map[string]Effective)
	for _, key := range r.catalog.Keys() {
		snap[key] = r.resolveLocked(key)
	}
	r.snapshot.Store(snap)
}

func (r *Registry) appendReceiptLocked(key string, previous, next any, operatorID, reason string, action contracts.OverrideAction) (*contracts.OverrideReceipt, error) {
	receipt := contracts.OverrideReceipt{
		ID:            uuid.New().String(),
		Key:           key,
		PreviousValue: previous,
		NewValue:      next,
		OperatorID:    operatorID,
		Reason:        reason,
		Action:        action,
		Timestamp:     r.clock().UTC(),
	}
	sig, err := r.signer.SignReceipt(&receipt)
	if err != nil {
		return nil, fmt.Errorf("configreg: sign receipt for %q: %w", key, err)
	}
	receipt.Signature = sig
	r.receipts = append(r.receipts, receipt)

	if r.receiptSink != nil {
		line, err := json.Marshal(receipt)
		if err == nil {
			_, err = r.receiptSink.Write(append(line, '\n'))
		}
		if err != nil {
			r.logger.Error("receipt sink write failed", "key", key, "error", err)
		}
	}
	return &receipt, nil
}

func (r *Registry) announce(ctx context.Context, key string, value any, action contracts.OverrideAction, receipt *contracts.OverrideReceipt, operatorID, reason string) {
	if r.pub != nil {
		event := ChangedEvent{Key: key, Value: value, Action: action, ReceiptID: receipt.ID}
		if err := r.pub.Publish(ctx, bus.SubjectConfigChanged, event); err != nil {
			r.logger.Warn("config.changed publish failed", "key", key, "error", err)
		}
	}
	if r.auditor != nil {
		_, err := r.auditor.Append(ctx, "config", operatorID, string(action), map[string]any{
			"key":        key,
			"value":      value,
			"receipt_id": receipt.ID,
			"reason":     reason,
		})
		if err != nil {
			r.logger.Warn("config audit append failed", "key", key, "error", err)
		}
	}
}

// checkSafety enforces the item's safety class on the proposed transition.
func checkSafety(item Item, previous, next any) error {
	switch item.Safety {
	case SafetyImmutable:
		return fmt.Errorf("configreg: %q is immutable", item.Key)
	case SafetyTunable, "":
		return nil
	}

	prev, okPrev := toFloat(previous)
	val, okNext := toFloat(next)
	if !okPrev || !okNext {
		return fmt.Errorf("configreg: %q safety class %s requires numeric values", item.Key, item.Safety)
	}

	switch item.Safety {
	case SafetyTightenOnly:
		if item.LowerIsRiskier {
			if val < prev {
				return fmt.Errorf("configreg: Tighten-only violation on %q: %v -> %v lowers a lower-is-riskier bound", item.Key, previous, next)
			}
		} else if val > prev {
			return fmt.Errorf("configreg: Tighten-only violation on %q: %v -> %v raises a risk cap", item.Key, previous, next)
		}
	case SafetyRaiseOnly:
		if val < prev {
			return fmt.Errorf("configreg: raise-only violation on %q: %v -> %v", item.Key, previous, next)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
