package dialect

import (
	"strings"
	"testing"

	"dbsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresGrantRole(t *testing.T) {
	d, err := For(models.EnginePostgres, "16.2")
	require.NoError(t, err)

	stmts, warn, err := d.Build(Op{Kind: OpGrantRole, Username: "bob", Role: "analyst"})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, `GRANT "analyst" TO "bob";`, stmts[0].Text)
	assert.Empty(t, warn)
}

func TestPostgresCreateLoginRedactsPassword(t *testing.T) {
	d, err := For(models.EnginePostgres, "")
	require.NoError(t, err)

	stmts, _, err := d.Build(Op{Kind: OpCreateLogin, Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].Text, "s3cret")
	assert.NotContains(t, stmts[0].Redacted, "s3cret")
	assert.Contains(t, stmts[0].Redacted, "****")
}

func TestPostgresEscapesPasswordLiteral(t *testing.T) {
	d, _ := For(models.EnginePostgres, "")

	stmts, _, err := d.Build(Op{Kind: OpSetPassword, Username: "alice", Password: "o'brien"})
	require.NoError(t, err)
	assert.Contains(t, stmts[0].Text, "o''brien")
}

func TestWarehouseSharesPostgresSyntax(t *testing.T) {
	d, err := For(models.EngineWarehouse, "")
	require.NoError(t, err)

	stmts, _, err := d.Build(Op{Kind: OpGrantRole, Username: "bob", Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, `GRANT "analyst" TO "bob";`, stmts[0].Text)
	assert.Equal(t, models.EngineWarehouse, d.Engine())
}

func TestMySQL8NativeRoles(t *testing.T) {
	d, err := For(models.EngineMySQL, "8.0.36")
	require.NoError(t, err)

	stmts, warn, err := d.Build(Op{Kind: OpGrantRole, Username: "bob", Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, "GRANT 'analyst' TO 'bob'@'%';", stmts[0].Text)
	assert.Empty(t, warn)
}

func TestMySQL57SimulatedRoleNeedsPrivilegeList(t *testing.T) {
	d, err := For(models.EngineMySQL, "5.7.44")
	require.NoError(t, err)

	// Without the resolved privilege list there is nothing to grant.
	_, _, err = d.Build(Op{Kind: OpGrantRole, Username: "bob", Role: "analyst"})
	assert.ErrorIs(t, err, ErrUnsupportedOnDialect)

	stmts, _, err := d.Build(Op{
		Kind:       OpGrantRole,
		Username:   "bob",
		Role:       "analyst",
		Privileges: []string{"SELECT", "INSERT"},
		Scope:      "appdb.*",
	})
	require.NoError(t, err)
	assert.Equal(t, "GRANT SELECT, INSERT ON appdb.* TO 'bob'@'%';", stmts[0].Text)
}

func TestMySQLAccountLock(t *testing.T) {
	d, _ := For(models.EngineMySQL, "8.0.36")

	stmts, _, err := d.Build(Op{Kind: OpSetLoginEnabled, Username: "bob", Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "ALTER USER 'bob'@'%' ACCOUNT LOCK;", stmts[0].Text)
}

func TestRedisNeverEmitsSQL(t *testing.T) {
	d, err := For(models.EngineRedis, "7.2")
	require.NoError(t, err)

	for _, op := range []Op{
		{Kind: OpCreateLogin, Username: "bob", Password: "pw"},
		{Kind: OpSetLoginEnabled, Username: "bob", Enabled: true},
		{Kind: OpSetPrivilegeClass, Username: "bob", Class: models.ClassNormal},
		{Kind: OpGrantRole, Username: "bob", Role: "analyst"},
	} {
		stmts, _, err := d.Build(op)
		require.NoError(t, err)
		for _, s := range stmts {
			assert.False(t, strings.HasPrefix(s.Text, "GRANT"), "redis must not emit SQL: %s", s.Text)
			assert.Equal(t, "ACL", s.Args[0])
			assert.Equal(t, "SETUSER", s.Args[1])
		}
	}
}

func TestRedisRoleGrantWarnsPartialEmulation(t *testing.T) {
	d, _ := For(models.EngineRedis, "")

	stmts, warn, err := d.Build(Op{Kind: OpGrantRole, Username: "bob", Role: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, WarnPartialEmulation, warn)
	assert.Contains(t, stmts[0].Args, "+@analyst")
}

func TestRedisPasswordNeverInText(t *testing.T) {
	d, _ := For(models.EngineRedis, "")

	stmts, _, err := d.Build(Op{Kind: OpSetPassword, Username: "bob", Password: "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, stmts[0].Text, "hunter2")
	assert.NotContains(t, stmts[0].Redacted, "hunter2")
	// The credential travels only through the tokenized args.
	assert.Contains(t, stmts[0].Args, ">hunter2")
}

func TestIdentifierValidation(t *testing.T) {
	d, _ := For(models.EnginePostgres, "")

	for _, bad := range []string{`bob"; DROP TABLE users; --`, "a b", "", `x'y`} {
		_, _, err := d.Build(Op{Kind: OpCreateLogin, Username: bad, Password: "pw"})
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "username %q should be rejected", bad)
	}
}

func TestForUnknownEngine(t *testing.T) {
	_, err := For(models.Engine("oracle"), "")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestMySQLVersionGate(t *testing.T) {
	assert.True(t, mysqlHasNativeRoles("8.0.36"))
	assert.True(t, mysqlHasNativeRoles("9.1"))
	assert.False(t, mysqlHasNativeRoles("5.7.44"))
	assert.False(t, mysqlHasNativeRoles("garbage"))
}
