// Package normalize maps engine-specific principal snapshots into the
// canonical identity model. Normalization is deterministic and
// idempotent: the same raw snapshot always yields the same output.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"dbsentry/internal/adapter"
	"dbsentry/internal/models"
)

// Result is the canonical view of one server snapshot.
type Result struct {
	Identities []models.Identity
	Roles      []models.Role
}

// Normalize converts a raw snapshot into canonical identities and roles
// for the snapshot's engine.
func Normalize(set *adapter.RawPrincipalSet, serverID uint) (*Result, error) {
	switch set.Engine {
	case models.EnginePostgres, models.EngineWarehouse:
		return normalizePostgres(set, serverID), nil
	case models.EngineMySQL:
		return normalizeMySQL(set, serverID), nil
	case models.EngineRedis:
		return normalizeRedis(set, serverID), nil
	}
	return nil, fmt.Errorf("no normalization rules for engine %q", set.Engine)
}

// NormalizeUsername is the cross-engine identity key: usernames are
// correlated case-insensitively with surrounding whitespace stripped.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// classify derives the privilege class from raw capability flags. It is
// a pure function of the flags; superuser outranks admin, and a fully
// disabled principal with no elevated rights classifies as disabled.
func classify(superuser, admin, active bool) models.PrivilegeClass {
	switch {
	case superuser:
		return models.ClassSuperuser
	case admin:
		return models.ClassAdmin
	case !active:
		return models.ClassDisabled
	}
	return models.ClassNormal
}

func normalizePostgres(set *adapter.RawPrincipalSet, serverID uint) *Result {
	res := &Result{}
	members := make(map[string][]string) // role -> members

	for _, p := range set.Principals {
		canLogin := p.Flags["canlogin"]
		kind := models.KindLoginUser
		if !canLogin {
			kind = models.KindRoleContainer
		}
		active := canLogin || kind == models.KindRoleContainer
		res.Identities = append(res.Identities, models.Identity{
			ServerID:           serverID,
			NativeUsername:     p.Name,
			NormalizedUsername: NormalizeUsername(p.Name),
			Kind:               kind,
			PrivilegeClass:     classify(p.Flags["superuser"], p.Flags["createrole"] || p.Flags["createdb"], active),
			Active:             active,
		})
		for _, role := range p.MemberOf {
			members[role] = append(members[role], p.Name)
		}
		if kind == models.KindRoleContainer {
			if _, ok := members[p.Name]; !ok {
				members[p.Name] = nil
			}
		}
		for _, m := range p.Members {
			members[p.Name] = append(members[p.Name], m)
		}
	}

	res.Roles = buildRoles(serverID, members, false)
	sortResult(res)
	return res
}

func normalizeMySQL(set *adapter.RawPrincipalSet, serverID uint) *Result {
	res := &Result{}
	nativeRoles := false
	members := make(map[string][]string)
	simulated := make(map[string][]string) // grant signature -> members

	for _, p := range set.Principals {
		isRole := p.Flags["role"]
		if isRole {
			nativeRoles = true
		}
		kind := models.KindLoginUser
		if isRole {
			kind = models.KindRoleContainer
		}
		active := !p.Flags["locked"]
		res.Identities = append(res.Identities, models.Identity{
			ServerID:           serverID,
			NativeUsername:     p.Name,
			NormalizedUsername: NormalizeUsername(p.Name),
			Kind:               kind,
			PrivilegeClass:     classify(p.Flags["superuser"], p.Flags["create_user"], active),
			Active:             active,
		})
		for _, role := range p.MemberOf {
			members[role] = append(members[role], p.Name)
		}
		for _, m := range p.Members {
			members[p.Name] = append(members[p.Name], m)
		}
		for _, grant := range p.Privileges {
			if sig, ok := grantSignature(grant); ok {
				simulated[sig] = append(simulated[sig], p.Name)
			}
		}
	}

	if nativeRoles {
		res.Roles = buildRoles(serverID, members, false)
	} else {
		// 5.7: simulate role containers from aggregated grant lists.
		// This view is lossy; single-privilege revocation against a
		// simulated role is rejected at the dialect layer.
		res.Roles = buildRoles(serverID, simulated, true)
	}
	sortResult(res)
	return res
}

// grantSignature reduces one SHOW GRANTS line to "PRIVS ON scope",
// skipping bare USAGE grants, which carry no privileges.
func grantSignature(grant string) (string, bool) {
	upper := strings.ToUpper(grant)
	if !strings.HasPrefix(upper, "GRANT ") {
		return "", false
	}
	on := strings.Index(upper, " ON ")
	if on < 0 {
		return "", false
	}
	privs := strings.TrimSpace(grant[len("GRANT "):on])
	if strings.EqualFold(privs, "USAGE") {
		return "", false
	}
	rest := grant[on+len(" ON "):]
	to := strings.Index(strings.ToUpper(rest), " TO ")
	scope := rest
	if to >= 0 {
		scope = rest[:to]
	}
	scope = strings.ReplaceAll(strings.TrimSpace(scope), "`", "")
	return privs + " ON " + scope, true
}

func normalizeRedis(set *adapter.RawPrincipalSet, serverID uint) *Result {
	res := &Result{}
	for _, p := range set.Principals {
		active := p.Flags["enabled"]
		super, admin := false, false
		for _, tok := range p.Privileges {
			switch tok {
			case "+@all", "allcommands":
				super = true
			case "+@admin":
				admin = true
			}
		}
		res.Identities = append(res.Identities, models.Identity{
			ServerID:           serverID,
			NativeUsername:     p.Name,
			NormalizedUsername: NormalizeUsername(p.Name),
			Kind:               models.KindLoginUser,
			PrivilegeClass:     classify(super, admin, active),
			Active:             active,
		})
	}
	sortResult(res)
	return res
}

func buildRoles(serverID uint, members map[string][]string, simulated bool) []models.Role {
	roles := make([]models.Role, 0, len(members))
	for name, ms := range members {
		sort.Strings(ms)
		ms = dedupe(ms)
		payload, _ := json.Marshal(ms)
		roles = append(roles, models.Role{
			ServerID:  serverID,
			RoleName:  name,
			Members:   string(payload),
			Simulated: simulated,
		})
	}
	return roles
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func sortResult(res *Result) {
	sort.Slice(res.Identities, func(i, j int) bool {
		return res.Identities[i].NativeUsername < res.Identities[j].NativeUsername
	})
	sort.Slice(res.Roles, func(i, j int) bool {
		return res.Roles[i].RoleName < res.Roles[j].RoleName
	})
}

// RoleMembers decodes a role's member list payload.
func RoleMembers(role models.Role) []string {
	var ms []string
	if role.Members == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(role.Members), &ms)
	return ms
}
