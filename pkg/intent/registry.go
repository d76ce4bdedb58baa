// Package intent implements the operator intent pipeline: schema validation,
// HMAC authentication, RBAC, idempotent ingestion, optimistic concurrency,
// preview reasoning, single-flight execution, post-execution verification,
// TTL expiry, durable write-through, and the monotonic SSE event stream.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// Executor performs the side effect of one intent type and reports what it
// did. Executors never panic through this boundary; the service translates
// panics and errors into a FAILED resolution.
type Executor func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error)

// Verification is the outcome of a post-execution check.
type Verification struct {
	Verified bool
	Evidence []string
}

// Verifier proves (or fails to prove) that an executed intent's declared
// effect is real.
type Verifier func(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt) (Verification, error)

// Definition declares everything the pipeline needs to know about one intent
// type. The preview reasoner runs off this metadata alone.
type Definition struct {
	Type contracts.IntentType
	// ParamsSchema is a raw JSON Schema document for the params object.
	// Empty means "no params accepted beyond an empty object".
	ParamsSchema string
	Danger       contracts.DangerLevel
	// RequiresTrading marks types blocked while the breaker tree forbids
	// trading (e.g. ARM during an EMERGENCY).
	RequiresTrading bool
	Execute         Executor
	Verify          Verifier
}

type compiledDef struct {
	Definition
	schema *jsonschema.Schema
}

// Registry resolves intent types to their definitions.
type Registry struct {
	defs map[contracts.IntentType]*compiledDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[contracts.IntentType]*compiledDef)}
}

// Register compiles the definition's schema and adds it. Duplicate types are
// a wiring bug and fail loudly.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("intent: definition with empty type")
	}
	if _, dup := r.defs[def.Type]; dup {
		return fmt.Errorf("intent: duplicate definition for %s", def.Type)
	}
	if def.Execute == nil {
		return fmt.Errorf("intent: definition for %s has no executor", def.Type)
	}

	cd := &compiledDef{Definition: def}
	if def.ParamsSchema != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://mycelia.schemas.local/intents/%s.schema.json", strings.ToLower(string(def.Type)))
		if err := compiler.AddResource(url, strings.NewReader(def.ParamsSchema)); err != nil {
			return fmt.Errorf("intent: load schema for %s: %w", def.Type, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("intent: compile schema for %s: %w", def.Type, err)
		}
		cd.schema = schema
	}
	r.defs[def.Type] = cd
	return nil
}

// Lookup returns the definition for a type.
func (r *Registry) Lookup(typ contracts.IntentType) (*compiledDef, bool) {
	def, ok := r.defs[typ]
	return def, ok
}

// ValidateParams checks params against the type's schema and returns
// structured failure reasons.
func (r *Registry) ValidateParams(typ contracts.IntentType, params map[string]any) []string {
	def, ok := r.defs[typ]
	if !ok {
		return []string{fmt.Sprintf("unknown intent type %q", typ)}
	}
	if def.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := def.schema.Validate(normalizeJSON(params)); err != nil {
		return schemaReasons(err)
	}
	return nil
}

// normalizeJSON round-trips a Go value through encoding/json semantics so the
// validator sees what a wire submission would look like.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func schemaReasons(err error) []string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaves := ve.BasicOutput().Errors
		reasons := make([]string, 0, len(leaves))
		for _, l := range leaves {
			if l.Error == "" {
				continue
			}
			loc := l.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			reasons = append(reasons, fmt.Sprintf("params%s: %s", loc, l.Error))
		}
		if len(reasons) > 0 {
			return reasons
		}
	}
	return []string{err.Error()}
}
