// Package dialect translates canonical principal operations into the
// exact statements each database engine expects.
package dialect

import (
	"errors"
	"fmt"
	"regexp"

	"dbsentry/internal/models"
)

var (
	// ErrUnsupportedOnDialect means the requested operation has no
	// representation on this engine or version. Callers must surface it,
	// never downgrade it silently.
	ErrUnsupportedOnDialect = errors.New("operation not supported on this dialect")
	ErrInvalidIdentifier    = errors.New("identifier contains disallowed characters")
	ErrUnknownEngine        = errors.New("unknown engine")
)

// WarnPartialEmulation is returned alongside statements when an engine
// can only approximate a canonical op (e.g. role grants on Redis).
const WarnPartialEmulation = "partial_emulation"

type OpKind string

const (
	OpCreateLogin       OpKind = "create_login"
	OpSetPassword       OpKind = "set_password"
	OpSetLoginEnabled   OpKind = "set_login_enabled"
	OpSetPrivilegeClass OpKind = "set_privilege_class"
	OpGrantRole         OpKind = "grant_role"
	OpRevokeRole        OpKind = "revoke_role"
)

// Op is a canonical principal mutation, engine-agnostic.
type Op struct {
	Kind     OpKind
	Username string
	Password string
	Enabled  bool
	Class    models.PrivilegeClass
	Role     string

	// MySQL specifics.
	Host       string   // account host, defaults to %
	Privileges []string // 5.7 simulated-role privilege list
	Scope      string   // 5.7 grant scope, e.g. appdb.*
}

// Statement is one engine command ready for submission. Text carries the
// wire form for SQL engines; Args carries the tokenized form for RESP
// engines. Redacted is safe to log.
type Statement struct {
	Text     string
	Args     []string
	Category string
	Redacted string
}

// Dialect is implemented once per engine and selected through the
// registry, never by branching on strings.
type Dialect interface {
	Engine() models.Engine
	SupportsTransactions() bool
	// Build translates op into engine statements. warn is empty or one
	// of the Warn* constants and is never fatal.
	Build(op Op) (stmts []Statement, warn string, err error)
}

type factory func(version string) Dialect

var registry = map[models.Engine]factory{
	models.EnginePostgres:  func(string) Dialect { return postgresDialect{engine: models.EnginePostgres} },
	models.EngineWarehouse: func(string) Dialect { return postgresDialect{engine: models.EngineWarehouse} },
	models.EngineMySQL:     func(version string) Dialect { return mysqlDialect{nativeRoles: mysqlHasNativeRoles(version)} },
	models.EngineRedis:     func(string) Dialect { return redisDialect{} },
}

// For returns the dialect for an engine, version-gated where the engine
// needs it (MySQL 5.7 vs 8.0).
func For(engine models.Engine, version string) (Dialect, error) {
	f, ok := registry[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	return f(version), nil
}

// identPattern is the allow-list for every identifier interpolated into
// a generated statement.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.$-]*$`)

func checkIdent(names ...string) error {
	for _, name := range names {
		if name == "" || !identPattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// escapeLiteral doubles single quotes for SQL string literals.
func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
