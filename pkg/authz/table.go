// Package authz implements role-based access control for operator intents:
// a {role, intent type} table with a superadmin bypass.
package authz

import (
	"fmt"
	"sync"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// RoleSuperadmin bypasses the table entirely.
const RoleSuperadmin = "superadmin"

// Table maps {role, intent type} to allow/deny. Missing entries deny.
type Table struct {
	mu    sync.RWMutex
	rules map[string]map[contracts.IntentType]bool
}

// NewTable creates an empty table (deny-all except superadmin).
func NewTable() *Table {
	return &Table{rules: make(map[string]map[contracts.IntentType]bool)}
}

// Grant allows a role to submit an intent type.
func (t *Table) Grant(role string, types ...contracts.IntentType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rules[role] == nil {
		t.rules[role] = make(map[contracts.IntentType]bool)
	}
	for _, typ := range types {
		t.rules[role][typ] = true
	}
}

// Deny explicitly forbids a role from an intent type, shadowing a Grant.
func (t *Table) Deny(role string, types ...contracts.IntentType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rules[role] == nil {
		t.rules[role] = make(map[contracts.IntentType]bool)
	}
	for _, typ := range types {
		t.rules[role][typ] = false
	}
}

// Check reports whether the role may submit the intent type. On deny it also
// returns the missing permission key, e.g. "operator:FLATTEN".
func (t *Table) Check(role string, typ contracts.IntentType) (bool, string) {
	if role == RoleSuperadmin {
		return true, ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if allowed, ok := t.rules[role][typ]; ok && allowed {
		return true, ""
	}
	return false, PermissionKey(role, typ)
}

// PermissionKey names the permission the table consults for a pair.
func PermissionKey(role string, typ contracts.IntentType) string {
	return fmt.Sprintf("%s:%s", role, typ)
}

// DefaultTable grants the conventional three operator roles:
// viewer (nothing mutating), operator (day-to-day), and risk (everything
// except config rollback, which stays with superadmin).
func DefaultTable() *Table {
	t := NewTable()
	t.Grant("operator",
		contracts.IntentArm,
		contracts.IntentDisarm,
		contracts.IntentSetMode,
		contracts.IntentThrottlePhase,
		contracts.IntentRunReconcile,
		contracts.IntentCancelIntent,
	)
	t.Grant("risk",
		contracts.IntentArm,
		contracts.IntentDisarm,
		contracts.IntentSetMode,
		contracts.IntentThrottlePhase,
		contracts.IntentFlatten,
		contracts.IntentOverrideRisk,
		contracts.IntentApplyProposal,
		contracts.IntentRunReconcile,
		contracts.IntentHalt,
		contracts.IntentResume,
		contracts.IntentCancelIntent,
		contracts.IntentResetBreaker,
	)
	return t
}
