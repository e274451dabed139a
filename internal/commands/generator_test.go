package commands

import (
	"testing"

	"dbsentry/internal/dialect"
	"dbsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func role(name string, members string) models.Role {
	return models.Role{RoleName: name, Members: members}
}

func TestCheckRoleCycle(t *testing.T) {
	// analyst contains bob; granting bob to analyst again is fine, but
	// granting analyst membership anywhere below bob closes a loop.
	roles := []models.Role{
		role("analyst", `["bob"]`),
		role("reporting", `["analyst"]`),
	}

	// bob -> analyst would make analyst a member of its own member.
	err := checkRoleCycle(roles, "analyst", "bob")
	assert.NoError(t, err)

	// Direct self-grant.
	err = checkRoleCycle(roles, "analyst", "analyst")
	assert.ErrorIs(t, err, ErrRoleCycle)

	// reporting -> analyst -> bob: granting reporting to bob is safe,
	// but granting bob's container chain back into reporting is not.
	err = checkRoleCycle(roles, "reporting", "analyst")
	assert.NoError(t, err)
	err = checkRoleCycle(roles, "analyst", "reporting")
	assert.ErrorIs(t, err, ErrRoleCycle)
}

func TestCheckRoleCycleDeepChain(t *testing.T) {
	roles := []models.Role{
		role("a", `["b"]`),
		role("b", `["c"]`),
		role("c", `["d"]`),
	}

	err := checkRoleCycle(roles, "a", "d")
	assert.NoError(t, err)

	// a already reaches d through b and c; granting d back into a's
	// chain from the top closes the loop.
	err = checkRoleCycle(roles, "d", "a")
	assert.ErrorIs(t, err, ErrRoleCycle)
}

func TestSplitSignature(t *testing.T) {
	privs, scope := splitSignature("SELECT, INSERT ON appdb.*")
	assert.Equal(t, []string{"SELECT", "INSERT"}, privs)
	assert.Equal(t, "appdb.*", scope)

	privs, scope = splitSignature("no separator")
	assert.Nil(t, privs)
	assert.Empty(t, scope)
}

func TestSameSet(t *testing.T) {
	assert.True(t, sameSet([]string{"SELECT", "INSERT"}, []string{"insert", "select"}))
	assert.False(t, sameSet([]string{"SELECT"}, []string{"SELECT", "INSERT"}))
	assert.False(t, sameSet([]string{"SELECT", "UPDATE"}, []string{"SELECT", "INSERT"}))
}

func TestPrepareSimulatedRole(t *testing.T) {
	roles := []models.Role{
		{RoleName: "SELECT, INSERT ON appdb.*", Simulated: true, Members: `["bob"]`},
	}

	op := dialect.Op{Kind: dialect.OpGrantRole, Username: "carol", Role: "SELECT, INSERT ON appdb.*"}
	require.NoError(t, prepareSimulatedRole(roles, &op))
	assert.Equal(t, []string{"SELECT", "INSERT"}, op.Privileges)
	assert.Equal(t, "appdb.*", op.Scope)
}

func TestPrepareSimulatedRoleRejectsPartialRevoke(t *testing.T) {
	roles := []models.Role{
		{RoleName: "SELECT, INSERT ON appdb.*", Simulated: true, Members: `["bob"]`},
	}

	op := dialect.Op{
		Kind:       dialect.OpRevokeRole,
		Username:   "bob",
		Role:       "SELECT, INSERT ON appdb.*",
		Privileges: []string{"INSERT"}, // subset of the simulated role
	}
	err := prepareSimulatedRole(roles, &op)
	assert.ErrorIs(t, err, dialect.ErrUnsupportedOnDialect)
}

func TestPrepareSimulatedRoleUnknownRole(t *testing.T) {
	op := dialect.Op{Kind: dialect.OpGrantRole, Username: "bob", Role: "nosuch"}
	err := prepareSimulatedRole(nil, &op)
	assert.ErrorIs(t, err, dialect.ErrUnsupportedOnDialect)
}

func TestMySQLNativeRoles(t *testing.T) {
	assert.True(t, mysqlNativeRoles("8.0.36"))
	assert.False(t, mysqlNativeRoles("5.7.44"))
	assert.False(t, mysqlNativeRoles(""))
}
