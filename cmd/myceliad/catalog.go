package main

import "github.com/Mycelia-Labs/mycelia/core/pkg/configreg"

func f(v float64) *float64 { return &v }

// defaultCatalog is the static tunable set. Overrides at runtime are bound by
// each item's safety class; the catalog itself only changes with a deploy.
func defaultCatalog() (*configreg.Catalog, error) {
	items := []configreg.Item{
		{
			Key:     "risk.max_drawdown_pct",
			Default: 5.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(0), Maximum: f(50)},
			Safety:  configreg.SafetyTightenOnly,
			Widget:  "slider",
			Apply:   "hot",
		},
		{
			Key:     "risk.max_position_notional",
			Default: 25000.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(0)},
			Safety:  configreg.SafetyTightenOnly,
			Apply:   "hot",
		},
		{
			Key:     "risk.daily_loss_limit",
			Default: 1000.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(0)},
			Safety:  configreg.SafetyTightenOnly,
			Apply:   "hot",
		},
		{
			Key:            "risk.min_confidence_floor",
			Default:        0.35,
			Schema:         configreg.Schema{Type: "number", Minimum: f(0), Maximum: f(1)},
			Safety:         configreg.SafetyTightenOnly,
			LowerIsRiskier: true,
			Apply:          "hot",
		},
		{
			Key:     "exec.venue",
			Default: "binance",
			Schema:  configreg.Schema{Type: "string", Enum: []any{"binance", "kraken", "coinbase"}},
			Safety:  configreg.SafetyImmutable,
			Apply:   "restart",
		},
		{
			Key:     "exec.order_timeout_ms",
			Default: 5000.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(100), Maximum: f(60000)},
			Safety:  configreg.SafetyTunable,
			Apply:   "hot",
		},
		{
			Key:     "exec.slippage_tolerance_bps",
			Default: 15.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(0), Maximum: f(500)},
			Safety:  configreg.SafetyTunable,
			Apply:   "hot",
		},
		{
			Key:     "mycelium.decay_half_life_s",
			Default: 900.0,
			Schema:  configreg.Schema{Type: "number", Minimum: f(60)},
			Safety:  configreg.SafetyRaiseOnly,
			Apply:   "hot",
		},
		{
			Key:     "mycelium.reinforcement_gain",
			Default: 0.2,
			Schema:  configreg.Schema{Type: "number", Minimum: f(0), Maximum: f(1)},
			Safety:  configreg.SafetyTunable,
			Apply:   "hot",
		},
	}
	return configreg.NewCatalog(items)
}

// defaultPresets are the named batch applications exposed through
// POST /operator/config/preset.
func defaultPresets() map[string]map[string]any {
	return map[string]map[string]any{
		"conservative": {
			"risk.max_drawdown_pct":       2.0,
			"risk.max_position_notional":  10000.0,
			"risk.daily_loss_limit":       500.0,
			"risk.min_confidence_floor":   0.6,
			"exec.slippage_tolerance_bps": 5.0,
		},
		"balanced": {
			"risk.max_drawdown_pct":       5.0,
			"risk.max_position_notional":  25000.0,
			"risk.daily_loss_limit":       1000.0,
			"risk.min_confidence_floor":   0.35,
			"exec.slippage_tolerance_bps": 15.0,
		},
	}
}
