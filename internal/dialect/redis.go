package dialect

import (
	"fmt"
	"strings"

	"dbsentry/internal/models"
)

// redisDialect mutates principals through ACL SETUSER. Redis has no role
// primitive, so role ops merge permission categories instead and are
// reported as partial emulation.
type redisDialect struct{}

func (redisDialect) Engine() models.Engine      { return models.EngineRedis }
func (redisDialect) SupportsTransactions() bool { return false }

func (d redisDialect) Build(op Op) ([]Statement, string, error) {
	switch op.Kind {
	case OpCreateLogin:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		args := []string{"ACL", "SETUSER", op.Username, "on", ">" + op.Password}
		return []Statement{{
			Text:     strings.Join(args[:4], " ") + " >****",
			Args:     args,
			Category: string(OpCreateLogin),
			Redacted: fmt.Sprintf("ACL SETUSER %s on >****", op.Username),
		}}, "", nil

	case OpSetPassword:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		args := []string{"ACL", "SETUSER", op.Username, "resetpass", ">" + op.Password}
		return []Statement{{
			Text:     fmt.Sprintf("ACL SETUSER %s resetpass >****", op.Username),
			Args:     args,
			Category: string(OpSetPassword),
			Redacted: fmt.Sprintf("ACL SETUSER %s resetpass >****", op.Username),
		}}, "", nil

	case OpSetLoginEnabled:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		state := "off"
		if op.Enabled {
			state = "on"
		}
		args := []string{"ACL", "SETUSER", op.Username, state}
		text := strings.Join(args, " ")
		return []Statement{{Text: text, Args: args, Category: string(OpSetLoginEnabled), Redacted: text}}, "", nil

	case OpSetPrivilegeClass:
		if err := checkIdent(op.Username); err != nil {
			return nil, "", err
		}
		var tokens []string
		switch op.Class {
		case models.ClassSuperuser:
			tokens = []string{"on", "+@all"}
		case models.ClassAdmin:
			tokens = []string{"on", "+@admin"}
		case models.ClassNormal:
			tokens = []string{"on", "-@admin", "+@read", "+@write"}
		case models.ClassDisabled:
			tokens = []string{"off"}
		default:
			return nil, "", fmt.Errorf("%w: privilege class %q", ErrUnsupportedOnDialect, op.Class)
		}
		args := append([]string{"ACL", "SETUSER", op.Username}, tokens...)
		text := strings.Join(args, " ")
		return []Statement{{Text: text, Args: args, Category: string(OpSetPrivilegeClass), Redacted: text}}, "", nil

	case OpGrantRole:
		if err := checkIdent(op.Username, op.Role); err != nil {
			return nil, "", err
		}
		args := []string{"ACL", "SETUSER", op.Username, "+@" + op.Role}
		text := strings.Join(args, " ")
		return []Statement{{Text: text, Args: args, Category: string(OpGrantRole), Redacted: text}},
			WarnPartialEmulation, nil

	case OpRevokeRole:
		if err := checkIdent(op.Username, op.Role); err != nil {
			return nil, "", err
		}
		args := []string{"ACL", "SETUSER", op.Username, "-@" + op.Role}
		text := strings.Join(args, " ")
		return []Statement{{Text: text, Args: args, Category: string(OpRevokeRole), Redacted: text}},
			WarnPartialEmulation, nil
	}

	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedOnDialect, op.Kind)
}
