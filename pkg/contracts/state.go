package contracts

import "time"

// RiskState is the system-wide risk posture driven by the breaker tree.
// It only escalates automatically; de-escalation requires an operator.
type RiskState string

const (
	RiskNormal    RiskState = "NORMAL"
	RiskCautious  RiskState = "CAUTIOUS"
	RiskDefensive RiskState = "DEFENSIVE"
	RiskEmergency RiskState = "EMERGENCY"
)

// rank orders risk states for escalation comparisons.
func (r RiskState) rank() int {
	switch r {
	case RiskNormal:
		return 0
	case RiskCautious:
		return 1
	case RiskDefensive:
		return 2
	case RiskEmergency:
		return 3
	}
	return -1
}

// AtLeast reports whether r is at or above the severity of other.
func (r RiskState) AtLeast(other RiskState) bool { return r.rank() >= other.rank() }

// BreakerLayer identifies one layer of the circuit breaker tree.
type BreakerLayer string

const (
	LayerReflex        BreakerLayer = "REFLEX"
	LayerTransactional BreakerLayer = "TRANSACTIONAL"
	LayerStrategic     BreakerLayer = "STRATEGIC"
)

// BreakerLayerState is the externally visible state of one breaker layer.
type BreakerLayerState struct {
	Layer        BreakerLayer `json:"layer"`
	Tripped      bool         `json:"tripped"`
	TripCount    int64        `json:"trip_count"`
	LastTripTime time.Time    `json:"last_trip_time,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// Position is one open position as the control plane sees it.
type Position struct {
	Venue    string  `json:"venue"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Allocation is the capital split across the three strategy phases.
type Allocation struct {
	W1 float64 `json:"w1"`
	W2 float64 `json:"w2"`
	W3 float64 `json:"w3"`
}

// WorldState is the canonical mutable state of the trading system. Owned
// exclusively by the state manager; everyone else reads copies.
type WorldState struct {
	Armed         bool                               `json:"armed"`
	Mode          string                             `json:"mode"`
	Halted        bool                               `json:"halted"`
	Posture       string                             `json:"posture"`
	Positions     []Position                         `json:"positions"`
	Allocation    Allocation                         `json:"allocation"`
	RiskState     RiskState                          `json:"risk_state"`
	BreakerStates map[BreakerLayer]BreakerLayerState `json:"breaker_states"`
	Equity        float64                            `json:"equity"`
}

// Postures, ordered from calm to on-fire.
const (
	PostureSafe      = "safe"
	PostureArmed     = "armed"
	PostureCautious  = "cautious"
	PostureDefensive = "defensive"
	PostureEmergency = "emergency"
)

// DerivePosture computes the high-level safety summary from world facts.
func DerivePosture(armed, halted bool, risk RiskState) string {
	switch {
	case halted || risk == RiskEmergency:
		return PostureEmergency
	case risk == RiskDefensive:
		return PostureDefensive
	case risk == RiskCautious:
		return PostureCautious
	case armed:
		return PostureArmed
	}
	return PostureSafe
}

// FillEvent is an execution fill report consumed from the bus.
type FillEvent struct {
	Seq       uint64    `json:"seq"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // buy | sell
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Shadow    bool      `json:"shadow"` // advisory evidence only, never mutates positions
	Timestamp time.Time `json:"timestamp"`
}

// OperatorStateView is the unified read model returned by GET /operator/state.
type OperatorStateView struct {
	Mode            string                             `json:"mode"`
	Posture         string                             `json:"posture"`
	Phases          map[string]float64                 `json:"phases"`
	TruthConfidence float64                            `json:"truth_confidence"`
	Breaker         map[BreakerLayer]BreakerLayerState `json:"breaker"`
	ActiveIncidents []string                           `json:"active_incidents"`
	LastIntents     []IntentRecord                     `json:"last_intents"`
	Config          map[string]any                     `json:"config,omitempty"`
	StateHash       string                             `json:"state_hash"`
	LastUpdated     time.Time                          `json:"last_updated"`
}
