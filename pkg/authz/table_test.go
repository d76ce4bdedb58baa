package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mycelia-Labs/mycelia/core/pkg/authz"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

func TestTable_DenyByDefault(t *testing.T) {
	table := authz.NewTable()
	ok, missing := table.Check("viewer", contracts.IntentArm)
	assert.False(t, ok)
	assert.Equal(t, "viewer:ARM", missing)
}

func TestTable_GrantAndExplicitDeny(t *testing.T) {
	table := authz.NewTable()
	table.Grant("operator", contracts.IntentArm, contracts.IntentDisarm)

	ok, _ := table.Check("operator", contracts.IntentArm)
	assert.True(t, ok)

	table.Deny("operator", contracts.IntentArm)
	ok, missing := table.Check("operator", contracts.IntentArm)
	assert.False(t, ok, "explicit deny shadows the grant")
	assert.Equal(t, "operator:ARM", missing)
}

func TestTable_SuperadminBypass(t *testing.T) {
	table := authz.NewTable()
	ok, missing := table.Check(authz.RoleSuperadmin, contracts.IntentRollbackConfig)
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestDefaultTable(t *testing.T) {
	table := authz.DefaultTable()

	ok, _ := table.Check("operator", contracts.IntentSetMode)
	assert.True(t, ok)

	ok, _ = table.Check("operator", contracts.IntentFlatten)
	assert.False(t, ok, "flatten is a risk-role action")

	ok, _ = table.Check("risk", contracts.IntentHalt)
	assert.True(t, ok)

	ok, _ = table.Check("risk", contracts.IntentRollbackConfig)
	assert.False(t, ok, "rollback stays with superadmin")
}
