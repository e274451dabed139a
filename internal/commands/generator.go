// Package commands translates canonical principal operations into
// engine statements and submits them through the matching adapter.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dbsentry/internal/adapter"
	"dbsentry/internal/dialect"
	"dbsentry/internal/models"
	"dbsentry/internal/normalize"
	"dbsentry/internal/secrets"
)

var (
	// ErrRoleCycle rejects a grant that would make role membership
	// circular; cycles are refused on write instead of guarded at
	// traversal time.
	ErrRoleCycle = errors.New("grant would introduce a role membership cycle")
)

const retryBackoff = 2 * time.Second

// Result reports what was submitted. RedactedStatements never contain
// credentials.
type Result struct {
	RedactedStatements []string
	Warning            string
	Transactional      bool
}

type Generator struct {
	connect adapter.Factory
	box     *secrets.Box
	timeout time.Duration
	log     *slog.Logger
}

func NewGenerator(box *secrets.Box, timeout time.Duration) *Generator {
	return &Generator{
		connect: adapter.Connect,
		box:     box,
		timeout: timeout,
		log:     slog.Default().With("component", "commands"),
	}
}

// Apply builds the dialect statements for op and executes them against
// the server, inside a transaction where the engine supports one. Every
// issued mutation is recorded so the differ can correlate subsequent
// scan changes back to the tool.
func (g *Generator) Apply(ctx context.Context, server models.Server, op dialect.Op, issuedBy string) (*Result, error) {
	d, err := dialect.For(server.Engine, server.EngineVersion)
	if err != nil {
		return nil, err
	}

	if err := g.prepareRoleOp(server, &op); err != nil {
		return nil, err
	}

	stmts, warn, err := d.Build(op)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}

	password, err := g.box.Open(server.Password)
	if err != nil {
		return nil, fmt.Errorf("server %d: cannot unseal stored credential: %w", server.ID, err)
	}
	cfg := adapter.Config{
		Engine:   server.Engine,
		Host:     server.Host,
		Port:     server.Port,
		Database: server.DatabaseName,
		Username: server.Username,
		Password: password,
		Timeout:  g.timeout,
	}

	if err := g.execute(ctx, cfg, stmts); err != nil {
		return nil, fmt.Errorf("server %d (%s): %w", server.ID, stmts[0].Category, err)
	}

	g.recordMutation(server.ID, op, issuedBy)

	res := &Result{Warning: warn, Transactional: d.SupportsTransactions()}
	for _, s := range stmts {
		res.RedactedStatements = append(res.RedactedStatements, s.Redacted)
	}
	g.log.Info("mutation applied",
		"server_id", server.ID,
		"op", string(op.Kind),
		"target", op.Username,
		"warning", warn)
	return res, nil
}

// execute submits the batch, retrying exactly once after a lost
// connection. Permission and syntax failures are fatal immediately.
func (g *Generator) execute(ctx context.Context, cfg adapter.Config, stmts []dialect.Statement) error {
	err := g.executeOnce(ctx, cfg, stmts)
	if err == nil {
		return nil
	}
	var partial *adapter.PartialError
	if errors.As(err, &partial) {
		// Partial progress on a non-transactional engine; retrying
		// blindly could double-apply, so surface it as-is.
		return err
	}
	if errors.Is(err, adapter.ErrConnectionLost) {
		g.log.Warn("connection lost, retrying once", "host", cfg.Host, "backoff", retryBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
		return g.executeOnce(ctx, cfg, stmts)
	}
	return err
}

func (g *Generator) executeOnce(ctx context.Context, cfg adapter.Config, stmts []dialect.Statement) error {
	conn, err := g.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.ExecuteBatch(ctx, stmts)
}

// prepareRoleOp fills in engine-specific role details and rejects
// mutations the target dialect cannot faithfully express.
func (g *Generator) prepareRoleOp(server models.Server, op *dialect.Op) error {
	if op.Kind != dialect.OpGrantRole && op.Kind != dialect.OpRevokeRole {
		return nil
	}

	var roles []models.Role
	if err := models.DB.Where("server_id = ?", server.ID).Find(&roles).Error; err != nil {
		return fmt.Errorf("failed to load roles for server %d: %w", server.ID, err)
	}

	if op.Kind == dialect.OpGrantRole {
		if err := checkRoleCycle(roles, op.Role, op.Username); err != nil {
			return err
		}
	}

	if server.Engine == models.EngineMySQL && !mysqlNativeRoles(server.EngineVersion) {
		return prepareSimulatedRole(roles, op)
	}
	return nil
}

// prepareSimulatedRole resolves a 5.7 simulated role into its full
// privilege list. Revoking only part of a simulated role has no native
// equivalent and is rejected rather than silently narrowed.
func prepareSimulatedRole(roles []models.Role, op *dialect.Op) error {
	var match *models.Role
	for i := range roles {
		if roles[i].Simulated && roles[i].RoleName == op.Role {
			match = &roles[i]
			break
		}
	}
	if match == nil {
		return fmt.Errorf("%w: role %q is not known on this server", dialect.ErrUnsupportedOnDialect, op.Role)
	}

	privs, scope := splitSignature(match.RoleName)
	if len(op.Privileges) > 0 {
		if !sameSet(op.Privileges, privs) {
			return fmt.Errorf("%w: cannot apply a partial privilege list against simulated role %q",
				dialect.ErrUnsupportedOnDialect, op.Role)
		}
	} else {
		op.Privileges = privs
	}
	if op.Scope == "" {
		op.Scope = scope
	}
	return nil
}

// splitSignature decomposes a simulated role name ("SELECT, INSERT ON
// appdb.*") back into privileges and scope.
func splitSignature(signature string) ([]string, string) {
	on := strings.Index(strings.ToUpper(signature), " ON ")
	if on < 0 {
		return nil, ""
	}
	var privs []string
	for _, p := range strings.Split(signature[:on], ",") {
		if p = strings.TrimSpace(p); p != "" {
			privs = append(privs, p)
		}
	}
	return privs, strings.TrimSpace(signature[on+len(" ON "):])
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	for _, s := range b {
		if !seen[strings.ToUpper(strings.TrimSpace(s))] {
			return false
		}
	}
	return true
}

// checkRoleCycle walks membership edges from the grantee; if the role
// being granted is already reachable below the grantee, the grant would
// close a loop.
func checkRoleCycle(roles []models.Role, role, grantee string) error {
	members := make(map[string][]string, len(roles))
	for _, r := range roles {
		members[r.RoleName] = normalize.RoleMembers(r)
	}

	visited := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		if name == role {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		for _, m := range members[name] {
			if walk(m) {
				return true
			}
		}
		return false
	}
	if walk(grantee) {
		return fmt.Errorf("%w: %q already contains %q", ErrRoleCycle, grantee, role)
	}
	return nil
}

func (g *Generator) recordMutation(serverID uint, op dialect.Op, issuedBy string) {
	entry := models.CommandLog{
		ServerID:       serverID,
		TargetUsername: op.Username,
		Operation:      string(op.Kind),
		IssuedBy:       issuedBy,
		IssuedAt:       time.Now(),
	}
	if err := models.DB.Create(&entry).Error; err != nil {
		g.log.Error("failed to record issued mutation", "server_id", serverID, "error", err)
	}
}

func mysqlNativeRoles(version string) bool {
	major := strings.SplitN(version, ".", 2)[0]
	n := 0
	for _, r := range major {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n >= 8
}
