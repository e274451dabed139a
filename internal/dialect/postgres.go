package dialect

import (
	"fmt"

	"dbsentry/internal/models"
)

// postgresDialect covers both self-hosted Postgres and pg-wire cloud
// warehouses; they share role syntax.
type postgresDialect struct {
	engine models.Engine
}

func (d postgresDialect) Engine() models.Engine      { return d.engine }
func (d postgresDialect) SupportsTransactions() bool { return true }

func (d postgresDialect) Build(op Op) ([]Statement, string, error) {
	switch op.Kind {
	case OpCreateLogin:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf(`CREATE ROLE "%s" WITH LOGIN PASSWORD '%s';`, op.Username, escapeLiteral(op.Password))
		return []Statement{{
			Text:     text,
			Category: string(OpCreateLogin),
			Redacted: fmt.Sprintf(`CREATE ROLE "%s" WITH LOGIN PASSWORD '****';`, op.Username),
		}}, "", nil

	case OpSetPassword:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf(`ALTER ROLE "%s" WITH PASSWORD '%s';`, op.Username, escapeLiteral(op.Password))
		return []Statement{{
			Text:     text,
			Category: string(OpSetPassword),
			Redacted: fmt.Sprintf(`ALTER ROLE "%s" WITH PASSWORD '****';`, op.Username),
		}}, "", nil

	case OpSetLoginEnabled:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		mode := "NOLOGIN"
		if op.Enabled {
			mode = "LOGIN"
		}
		text := fmt.Sprintf(`ALTER ROLE "%s" WITH %s;`, op.Username, mode)
		return []Statement{{Text: text, Category: string(OpSetLoginEnabled), Redacted: text}}, "", nil

	case OpSetPrivilegeClass:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		var clause string
		switch op.Class {
		case models.ClassSuperuser:
			clause = "SUPERUSER"
		case models.ClassAdmin:
			clause = "NOSUPERUSER CREATEROLE CREATEDB"
		case models.ClassNormal:
			clause = "NOSUPERUSER NOCREATEROLE NOCREATEDB"
		case models.ClassDisabled:
			clause = "NOLOGIN"
		default:
			return nil, "", fmt.Errorf("%w: privilege class %q", ErrUnsupportedOnDialect, op.Class)
		}
		text := fmt.Sprintf(`ALTER ROLE "%s" WITH %s;`, op.Username, clause)
		return []Statement{{Text: text, Category: string(OpSetPrivilegeClass), Redacted: text}}, "", nil

	case OpGrantRole:
		if err := checkIdent(op.Username, op.Role); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf(`GRANT "%s" TO "%s";`, op.Role, op.Username)
		return []Statement{{Text: text, Category: string(OpGrantRole), Redacted: text}}, "", nil

	case OpRevokeRole:
		if err := checkIdent(op.Username, op.Role); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf(`REVOKE "%s" FROM "%s";`, op.Role, op.Username)
		return []Statement{{Text: text, Category: string(OpRevokeRole), Redacted: text}}, "", nil
	}

	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedOnDialect, op.Kind)
}
