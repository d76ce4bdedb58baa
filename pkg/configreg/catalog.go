// Package configreg implements the runtime config registry: a static catalog
// of tunables with safety classes, layered value resolution
// (default → file → env → override), HMAC-signed override receipts, presets,
// and rollback to the next-lower provenance layer.
package configreg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Safety classifies how an item may be overridden at runtime.
type Safety string

const (
	// SafetyImmutable items can never be overridden.
	SafetyImmutable Safety = "immutable"
	// SafetyTightenOnly items may only move in the less-risky direction.
	SafetyTightenOnly Safety = "tighten_only"
	// SafetyRaiseOnly items may only increase.
	SafetyRaiseOnly Safety = "raise_only"
	// SafetyTunable items accept any schema-valid value.
	SafetyTunable Safety = "tunable"
)

// Schema constrains an item's values.
type Schema struct {
	Type    string   `json:"type"` // number, integer, string, boolean
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
	Enum    []any    `json:"enum,omitempty"`
}

// Item is one catalog entry, keyed by dotted name.
type Item struct {
	Key     string `json:"key"`
	Default any    `json:"defaultValue"`
	Schema  Schema `json:"schema"`
	Safety  Safety `json:"safety"`
	// LowerIsRiskier flips the tighten_only direction: when true, tightening
	// means raising the value (e.g. a confidence floor).
	LowerIsRiskier bool   `json:"lower_is_riskier,omitempty"`
	Widget         string `json:"widget,omitempty"`
	Apply          string `json:"apply,omitempty"` // hot | restart
}

// Catalog is the static set of items, fixed at load time.
type Catalog struct {
	items   map[string]Item
	schemas map[string]*jsonschema.Schema
}

// NewCatalog compiles the items' schemas and builds the catalog.
func NewCatalog(items []Item) (*Catalog, error) {
	c := &Catalog{
		items:   make(map[string]Item, len(items)),
		schemas: make(map[string]*jsonschema.Schema, len(items)),
	}
	for _, item := range items {
		if item.Key == "" {
			return nil, fmt.Errorf("configreg: item with empty key")
		}
		if _, dup := c.items[item.Key]; dup {
			return nil, fmt.Errorf("configreg: duplicate catalog key %q", item.Key)
		}
		compiled, err := compileSchema(item.Key, item.Schema)
		if err != nil {
			return nil, err
		}
		c.items[item.Key] = item
		c.schemas[item.Key] = compiled
	}
	return c, nil
}

// Item looks up a catalog entry.
func (c *Catalog) Item(key string) (Item, bool) {
	item, ok := c.items[key]
	return item, ok
}

// Keys returns all catalog keys.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// Validate checks a candidate value against the item's schema.
func (c *Catalog) Validate(key string, value any) error {
	schema, ok := c.schemas[key]
	if !ok {
		return fmt.Errorf("configreg: unknown key %q", key)
	}
	// The validator wants decoded JSON values; round-trip normalizes Go
	// numerics into what a client submission would look like.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("configreg: value for %q not serializable: %w", key, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("configreg: value for %q not decodable: %w", key, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("configreg: %q rejected by schema: %w", key, err)
	}
	return nil
}

func compileSchema(key string, s Schema) (*jsonschema.Schema, error) {
	doc := map[string]any{}
	if s.Type != "" {
		doc["type"] = s.Type
	}
	if s.Minimum != nil {
		doc["minimum"] = *s.Minimum
	}
	if s.Maximum != nil {
		doc["maximum"] = *s.Maximum
	}
	if len(s.Enum) > 0 {
		doc["enum"] = s.Enum
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("configreg: marshal schema for %q: %w", key, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://mycelia.schemas.local/config/%s.schema.json", key)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("configreg: load schema for %q: %w", key, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("configreg: compile schema for %q: %w", key, err)
	}
	return compiled, nil
}
