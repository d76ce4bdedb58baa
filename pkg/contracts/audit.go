package contracts

import "time"

// AuditEvent is one append-only, hash-chained record of a state-changing
// action. Rejected actions never produce one.
type AuditEvent struct {
	Seq       uint64         `json:"seq"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`

	// PrevHash links this entry to its predecessor; Hash covers the whole
	// entry including PrevHash, giving the log tamper evidence.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// OverrideAction distinguishes the two receipt-producing config operations.
type OverrideAction string

const (
	ActionOverride OverrideAction = "override"
	ActionRollback OverrideAction = "rollback"
)

// OverrideReceipt is the signed, append-only record of one config mutation.
type OverrideReceipt struct {
	ID            string         `json:"id"`
	Key           string         `json:"key"`
	PreviousValue any            `json:"previousValue"`
	NewValue      any            `json:"newValue"`
	OperatorID    string         `json:"operatorId"`
	Reason        string         `json:"reason"`
	Action        OverrideAction `json:"action"`
	Timestamp     time.Time      `json:"timestamp"`
	// Signature is HMAC-SHA256 over the canonical form of all other fields.
	// A receipt whose signature does not verify is rejected on replay.
	Signature string `json:"signature"`
}
