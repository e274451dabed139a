package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"dbsentry/internal/models"
)

// mysqlDialect is version-gated: 8.0+ has native roles, 5.7 simulates
// them from aggregated GRANT privilege lists.
type mysqlDialect struct {
	nativeRoles bool
}

func (d mysqlDialect) Engine() models.Engine      { return models.EngineMySQL }
func (d mysqlDialect) SupportsTransactions() bool { return false } // DDL is auto-committed

// mysqlHasNativeRoles reports whether the server version supports
// CREATE ROLE / role edges (8.0+).
func mysqlHasNativeRoles(version string) bool {
	major := strings.SplitN(version, ".", 2)[0]
	n, err := strconv.Atoi(major)
	if err != nil {
		return false
	}
	return n >= 8
}

func (d mysqlDialect) host(op Op) string {
	if op.Host == "" {
		return "%"
	}
	return op.Host
}

func (d mysqlDialect) Build(op Op) ([]Statement, string, error) {
	host := d.host(op)
	switch op.Kind {
	case OpCreateLogin:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf("CREATE USER '%s'@'%s' IDENTIFIED BY '%s';", op.Username, host, escapeLiteral(op.Password))
		return []Statement{{
			Text:     text,
			Category: string(OpCreateLogin),
			Redacted: fmt.Sprintf("CREATE USER '%s'@'%s' IDENTIFIED BY '****';", op.Username, host),
		}}, "", nil

	case OpSetPassword:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf("ALTER USER '%s'@'%s' IDENTIFIED BY '%s';", op.Username, host, escapeLiteral(op.Password))
		return []Statement{{
			Text:     text,
			Category: string(OpSetPassword),
			Redacted: fmt.Sprintf("ALTER USER '%s'@'%s' IDENTIFIED BY '****';", op.Username, host),
		}}, "", nil

	case OpSetLoginEnabled:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		mode := "ACCOUNT LOCK"
		if op.Enabled {
			mode = "ACCOUNT UNLOCK"
		}
		text := fmt.Sprintf("ALTER USER '%s'@'%s' %s;", op.Username, host, mode)
		return []Statement{{Text: text, Category: string(OpSetLoginEnabled), Redacted: text}}, "", nil

	case OpSetPrivilegeClass:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		var text string
		switch op.Class {
		case models.ClassSuperuser:
			text = fmt.Sprintf("GRANT ALL PRIVILEGES ON *.* TO '%s'@'%s' WITH GRANT OPTION;", op.Username, host)
		case models.ClassAdmin:
			text = fmt.Sprintf("GRANT CREATE USER, CREATE ON *.* TO '%s'@'%s';", op.Username, host)
		case models.ClassNormal:
			text = fmt.Sprintf("REVOKE ALL PRIVILEGES, GRANT OPTION FROM '%s'@'%s';", op.Username, host)
		case models.ClassDisabled:
			text = fmt.Sprintf("ALTER USER '%s'@'%s' ACCOUNT LOCK;", op.Username, host)
		default:
			return nil, "", fmt.Errorf("%w: privilege class %q", ErrUnsupportedOnDialect, op.Class)
		}
		return []Statement{{Text: text, Category: string(OpSetPrivilegeClass), Redacted: text}}, "", nil

	case OpGrantRole:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		if d.nativeRoles {
			if err := checkIdent(op.Role); err != nil {
				return nil, "", err
			}
			text := fmt.Sprintf("GRANT '%s' TO '%s'@'%s';", op.Role, op.Username, host)
			return []Statement{{Text: text, Category: string(OpGrantRole), Redacted: text}}, "", nil
		}
		return d.simulatedGrant(op, host, "GRANT", "TO")

	case OpRevokeRole:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		if d.nativeRoles {
			if err := checkIdent(op.Role); err != nil {
				return nil, "", err
			}
			text := fmt.Sprintf("REVOKE '%s' FROM '%s'@'%s';", op.Role, op.Username, host)
			return []Statement{{Text: text, Category: string(OpRevokeRole), Redacted: text}}, "", nil
		}
		return d.simulatedGrant(op, host, "REVOKE", "FROM")
	}

	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedOnDialect, op.Kind)
}

// simulatedGrant expands a role op into a direct privilege grant on 5.7,
// where no role primitive exists. The caller is responsible for passing
// the complete simulated privilege list; revoking a subset of a simulated
// role has no native equivalent.
func (d mysqlDialect) simulatedGrant(op Op, host, verb, prep string) ([]Statement, string, error) {
	if len(op.Privileges) == 0 || op.Scope == "" {
		return nil, "", fmt.Errorf("%w: role %q requires an explicit privilege list on mysql 5.7", ErrUnsupportedOnDialect, op.Role)
	}
	for _, p := range op.Privileges {
		if !validPrivilegeToken(p) {
			return nil, "", fmt.Errorf("%w: privilege %q", ErrInvalidIdentifier, p)
		}
	}
	if err := checkIdent(strings.TrimSuffix(op.Scope, ".*")); err != nil && op.Scope != "*.*" {
		return nil, "", err
	}
	text := fmt.Sprintf("%s %s ON %s %s '%s'@'%s';",
		verb, strings.Join(op.Privileges, ", "), op.Scope, prep, op.Username, host)
	return []Statement{{Text: text, Category: strings.ToLower(verb) + "_role", Redacted: text}}, "", nil
}

func validPrivilegeToken(p string) bool {
	for _, r := range p {
		if !(r == ' ' || r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return p != ""
}
