package adapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"dbsentry/internal/dialect"
	"dbsentry/internal/models"

	"github.com/go-sql-driver/mysql"
)

type mysqlAdapter struct {
	db  *sql.DB
	cfg Config
}

func connectMySQL(ctx context.Context, cfg Config) (Adapter, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?timeout=%s&readTimeout=%s&parseTime=True",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.timeout(), cfg.timeout())

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	// One physical connection per adapter.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := callCtx(ctx, cfg.timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classifyMySQLError(pingCtx, err)
	}
	return &mysqlAdapter{db: db, cfg: cfg}, nil
}

func (a *mysqlAdapter) Engine() models.Engine { return models.EngineMySQL }

// MySQL auto-commits DDL, so batches can never be atomic.
func (a *mysqlAdapter) SupportsTransactions() bool { return false }

func (a *mysqlAdapter) Close() error { return a.db.Close() }

func (a *mysqlAdapter) Introspect(ctx context.Context) (*RawPrincipalSet, error) {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()

	var version string
	if err := a.db.QueryRowContext(callC, "SELECT VERSION()").Scan(&version); err != nil {
		return nil, classifyMySQLError(callC, err)
	}

	rows, err := a.db.QueryContext(callC, `
		SELECT User, Host,
		       Super_priv = 'Y',
		       Create_user_priv = 'Y',
		       account_locked = 'Y'
		FROM mysql.user
		ORDER BY User, Host`)
	if err != nil {
		return nil, classifyMySQLError(callC, err)
	}

	var userRows []mysqlUserRow
	for rows.Next() {
		var r mysqlUserRow
		if err := rows.Scan(&r.user, &r.host, &r.super, &r.createUser, &r.locked); err != nil {
			rows.Close()
			return nil, classifyMySQLError(callC, err)
		}
		userRows = append(userRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyMySQLError(callC, err)
	}

	principals, index := mergeUserRows(userRows)

	if mysqlMajor(version) >= 8 {
		if err := a.loadRoleEdges(callC, principals, index); err != nil {
			return nil, err
		}
	} else {
		// 5.7: no native roles. Aggregate grant lists per account; the
		// normalizer derives simulated role containers from them.
		seen := make(map[string]map[string]bool)
		for _, r := range userRows {
			grants, err := a.showGrants(callC, r.user, r.host)
			if err != nil {
				return nil, err
			}
			i := index[r.user]
			keys := seen[r.user]
			if keys == nil {
				keys = make(map[string]bool)
				seen[r.user] = keys
			}
			for _, g := range grants {
				k := grantKey(g)
				if keys[k] {
					continue
				}
				keys[k] = true
				principals[i].Privileges = append(principals[i].Privileges, g)
			}
		}
	}

	sort.Slice(principals, func(i, j int) bool { return principals[i].Name < principals[j].Name })
	return &RawPrincipalSet{
		Engine:        models.EngineMySQL,
		EngineVersion: version,
		Principals:    principals,
	}, nil
}

type mysqlUserRow struct {
	user, host                string
	super, createUser, locked bool
}

// mergeUserRows collapses per-host mysql.user rows into one principal
// per username. 'app'@'%' and 'app'@'localhost' are the same identity
// for reconciliation purposes: privilege flags union across hosts, and
// the account counts as locked only when every host row is locked.
func mergeUserRows(userRows []mysqlUserRow) ([]RawPrincipal, map[string]int) {
	var principals []RawPrincipal
	index := make(map[string]int)
	for _, r := range userRows {
		i, ok := index[r.user]
		if !ok {
			index[r.user] = len(principals)
			principals = append(principals, RawPrincipal{
				Name: r.user,
				Flags: map[string]bool{
					"superuser":   r.super,
					"create_user": r.createUser,
					"locked":      r.locked,
				},
			})
			continue
		}
		flags := principals[i].Flags
		flags["superuser"] = flags["superuser"] || r.super
		flags["create_user"] = flags["create_user"] || r.createUser
		flags["locked"] = flags["locked"] && r.locked
	}
	return principals, index
}

// grantKey strips the account clause from a SHOW GRANTS line so the
// same grant issued to several host rows is counted once.
func grantKey(grant string) string {
	if to := strings.LastIndex(strings.ToUpper(grant), " TO "); to >= 0 {
		return grant[:to]
	}
	return grant
}

func (a *mysqlAdapter) loadRoleEdges(ctx context.Context, principals []RawPrincipal, index map[string]int) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT FROM_USER, TO_USER FROM mysql.role_edges`)
	if err != nil {
		return classifyMySQLError(ctx, err)
	}
	defer rows.Close()
	for rows.Next() {
		var role, member string
		if err := rows.Scan(&role, &member); err != nil {
			return classifyMySQLError(ctx, err)
		}
		if i, ok := index[member]; ok {
			principals[i].MemberOf = append(principals[i].MemberOf, role)
		}
		if i, ok := index[role]; ok {
			principals[i].Members = append(principals[i].Members, member)
			principals[i].Flags["role"] = true
		}
	}
	return rows.Err()
}

func (a *mysqlAdapter) showGrants(ctx context.Context, user, host string) ([]string, error) {
	if err := validAccountPart(user); err != nil {
		return nil, err
	}
	if err := validAccountPart(host); err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("SHOW GRANTS FOR '%s'@'%s'", user, host))
	if err != nil {
		return nil, classifyMySQLError(ctx, err)
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, classifyMySQLError(ctx, err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func validAccountPart(s string) error {
	for _, r := range s {
		if r == '\'' || r == '\\' {
			return fmt.Errorf("account name %q contains disallowed characters", s)
		}
	}
	return nil
}

func (a *mysqlAdapter) Execute(ctx context.Context, stmt dialect.Statement) error {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()
	if _, err := a.db.ExecContext(callC, stmt.Text); err != nil {
		return fmt.Errorf("%s: %w", stmt.Category, classifyMySQLError(callC, err))
	}
	return nil
}

func (a *mysqlAdapter) ExecuteBatch(ctx context.Context, stmts []dialect.Statement) error {
	for i, stmt := range stmts {
		if err := a.Execute(ctx, stmt); err != nil {
			if i > 0 {
				return &PartialError{Applied: i, Total: len(stmts), Err: err}
			}
			return err
		}
	}
	return nil
}

func mysqlMajor(version string) int {
	major := strings.SplitN(version, ".", 2)[0]
	n := 0
	for _, r := range major {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func classifyMySQLError(ctx context.Context, err error) error {
	if terr := ctxErr(ctx, err); terr != nil {
		return terr
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045: // ER_ACCESS_DENIED_ERROR
			return fmt.Errorf("%w: %d", ErrAuthFailed, myErr.Number)
		case 1044, 1142, 1227: // missing privilege
			return fmt.Errorf("%w: %s", ErrPermissionDenied, myErr.Message)
		case 1064:
			return fmt.Errorf("%w: %s", ErrSyntax, myErr.Message)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
