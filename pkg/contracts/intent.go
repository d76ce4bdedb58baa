// Package contracts defines the shared domain types of the Mycelia operator
// control plane. Every component speaks in these structs; no package other
// than the owning writer mutates them.
package contracts

import (
	"time"
)

// IntentType enumerates the operator actions the control plane accepts.
type IntentType string

const (
	IntentArm            IntentType = "ARM"
	IntentDisarm         IntentType = "DISARM"
	IntentSetMode        IntentType = "SET_MODE"
	IntentThrottlePhase  IntentType = "THROTTLE_PHASE"
	IntentFlatten        IntentType = "FLATTEN"
	IntentOverrideRisk   IntentType = "OVERRIDE_RISK"
	IntentApplyProposal  IntentType = "APPLY_PROPOSAL"
	IntentRollbackConfig IntentType = "ROLLBACK_CONFIG"
	IntentRunReconcile   IntentType = "RUN_RECONCILE"
	IntentHalt           IntentType = "HALT"
	IntentResume         IntentType = "RESUME"
	IntentCancelIntent   IntentType = "CANCEL_INTENT"
	IntentResetBreaker   IntentType = "RESET_BREAKER"
)

// IntentStatus tracks an intent through its lifecycle.
//
//	ACCEPTED ──► EXECUTING ──► VERIFIED
//	    │            │     └──► FAILED
//	    └────────────┴────────► EXPIRED   (TTL)
type IntentStatus string

const (
	StatusAccepted  IntentStatus = "ACCEPTED"
	StatusExecuting IntentStatus = "EXECUTING"
	StatusVerified  IntentStatus = "VERIFIED"
	StatusFailed    IntentStatus = "FAILED"
	StatusExpired   IntentStatus = "EXPIRED"
)

// Terminal reports whether the status is final. Terminal records are immutable.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusVerified, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another respects the
// lifecycle DAG. Transitions are strictly monotonic; no status repeats.
func CanTransition(from, to IntentStatus) bool {
	switch from {
	case StatusAccepted:
		return to == StatusExecuting || to == StatusExpired
	case StatusExecuting:
		return to == StatusVerified || to == StatusFailed || to == StatusExpired
	}
	return false
}

// DangerLevel classifies how much an intent type can hurt when misused.
type DangerLevel string

const (
	DangerSafe     DangerLevel = "safe"
	DangerModerate DangerLevel = "moderate"
	DangerCritical DangerLevel = "critical"
)

// IntentRecord is the central entity of the control plane: one authenticated,
// idempotent operator request to change trading-system state.
type IntentRecord struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Version        int            `json:"version"`
	Type           IntentType     `json:"type"`
	Params         map[string]any `json:"params,omitempty"`
	OperatorID     string         `json:"operator_id"`
	Reason         string         `json:"reason,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	TTLSeconds     int            `json:"ttl_seconds"`
	// Signature is HMAC-SHA256 over id|.|type|.|canonical(params)|.|operator_id.
	Signature string `json:"signature"`
	// StateHash, when supplied, is the 16-hex fingerprint of the world state the
	// operator saw. A mismatch with the current fingerprint is a STATE_CONFLICT.
	StateHash string `json:"state_hash,omitempty"`

	Status      IntentStatus   `json:"status"`
	DangerLevel DangerLevel    `json:"danger_level"`
	AcceptedAt  time.Time      `json:"accepted_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Receipt     *IntentReceipt `json:"receipt,omitempty"`
}

// IntentReceipt records what an executed intent actually did. Populated only
// on terminal status and immutable afterwards.
type IntentReceipt struct {
	Effect               string         `json:"effect"`
	PriorState           map[string]any `json:"prior_state,omitempty"`
	NewState             map[string]any `json:"new_state,omitempty"`
	Error                string         `json:"error,omitempty"`
	Verification         string         `json:"verification,omitempty"` // verified | unverified
	VerificationEvidence []string       `json:"verification_evidence,omitempty"`
}

// SubmitOutcome is the surface-level result code of a submission attempt.
type SubmitOutcome string

const (
	OutcomeAccepted       SubmitOutcome = "ACCEPTED"
	OutcomeIdempotentHit  SubmitOutcome = "IDEMPOTENT_HIT"
	OutcomeValidationFail SubmitOutcome = "VALIDATION_FAILED"
	OutcomeBadSignature   SubmitOutcome = "SIGNATURE_INVALID"
	OutcomeForbidden      SubmitOutcome = "INSUFFICIENT_PERMISSIONS"
	OutcomeStateConflict  SubmitOutcome = "STATE_CONFLICT"
	OutcomeBlockedByCap   SubmitOutcome = "BLOCKED_BY_CAP"
	OutcomeBlockedBreaker SubmitOutcome = "BLOCKED_BY_BREAKER"
	OutcomeQueueSaturated SubmitOutcome = "QUEUE_SATURATED"
	OutcomePreview        SubmitOutcome = "PREVIEW"
)
