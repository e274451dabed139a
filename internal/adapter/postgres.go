package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"dbsentry/internal/dialect"
	"dbsentry/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// postgresAdapter speaks the pg wire protocol and serves both the
// postgres and warehouse engines; the two differ only in how principals
// are introspected (pg_roles vs the older pg_user/pg_group catalogs).
type postgresAdapter struct {
	engine models.Engine
	conn   *pgx.Conn
	cfg    Config
}

func connectPostgres(ctx context.Context, cfg Config) (Adapter, error) {
	dbName := cfg.Database
	if dbName == "" {
		dbName = "postgres"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, dbName)

	connCtx, cancel := callCtx(ctx, cfg.timeout())
	defer cancel()

	conn, err := pgx.Connect(connCtx, dsn)
	if err != nil {
		return nil, classifyPgError(connCtx, err)
	}
	return &postgresAdapter{engine: cfg.Engine, conn: conn, cfg: cfg}, nil
}

func (a *postgresAdapter) Engine() models.Engine      { return a.engine }
func (a *postgresAdapter) SupportsTransactions() bool { return true }

func (a *postgresAdapter) Close() error {
	return a.conn.Close(context.Background())
}

func (a *postgresAdapter) Introspect(ctx context.Context) (*RawPrincipalSet, error) {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()

	var version string
	if err := a.conn.QueryRow(callC, "SHOW server_version").Scan(&version); err != nil {
		return nil, classifyPgError(callC, err)
	}

	var principals []RawPrincipal
	var err error
	if a.engine == models.EngineWarehouse {
		principals, err = a.introspectWarehouse(callC)
	} else {
		principals, err = a.introspectRoles(callC)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(principals, func(i, j int) bool { return principals[i].Name < principals[j].Name })
	return &RawPrincipalSet{
		Engine:        a.engine,
		EngineVersion: version,
		Principals:    principals,
	}, nil
}

func (a *postgresAdapter) introspectRoles(ctx context.Context) ([]RawPrincipal, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT r.rolname, r.rolsuper, r.rolcreaterole, r.rolcreatedb, r.rolcanlogin,
		       COALESCE(array_agg(g.rolname) FILTER (WHERE g.rolname IS NOT NULL), '{}') AS member_of
		FROM pg_roles r
		LEFT JOIN pg_auth_members am ON am.member = r.oid
		LEFT JOIN pg_roles g ON g.oid = am.roleid
		WHERE r.rolname NOT LIKE 'pg\_%'
		GROUP BY r.rolname, r.rolsuper, r.rolcreaterole, r.rolcreatedb, r.rolcanlogin`)
	if err != nil {
		return nil, classifyPgError(ctx, err)
	}
	defer rows.Close()

	var principals []RawPrincipal
	for rows.Next() {
		var name string
		var super, createRole, createDB, canLogin bool
		var memberOf []string
		if err := rows.Scan(&name, &super, &createRole, &createDB, &canLogin, &memberOf); err != nil {
			return nil, classifyPgError(ctx, err)
		}
		principals = append(principals, RawPrincipal{
			Name: name,
			Flags: map[string]bool{
				"superuser":  super,
				"createrole": createRole,
				"createdb":   createDB,
				"canlogin":   canLogin,
			},
			MemberOf: memberOf,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(ctx, err)
	}
	return principals, nil
}

// introspectWarehouse uses the pg_user/pg_group catalogs, which is all
// the older pg-wire warehouses expose.
func (a *postgresAdapter) introspectWarehouse(ctx context.Context) ([]RawPrincipal, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT usename, usesuper, usecreatedb FROM pg_user`)
	if err != nil {
		return nil, classifyPgError(ctx, err)
	}
	byName := make(map[string]*RawPrincipal)
	var order []string
	for rows.Next() {
		var name string
		var super, createDB bool
		if err := rows.Scan(&name, &super, &createDB); err != nil {
			rows.Close()
			return nil, classifyPgError(ctx, err)
		}
		byName[name] = &RawPrincipal{
			Name: name,
			Flags: map[string]bool{
				"superuser": super,
				"createdb":  createDB,
				"canlogin":  true,
			},
		}
		order = append(order, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(ctx, err)
	}

	groupRows, err := a.conn.Query(ctx, `
		SELECT g.groname, u.usename
		FROM pg_group g
		LEFT JOIN pg_user u ON u.usesysid = ANY(g.grolist)`)
	if err != nil {
		return nil, classifyPgError(ctx, err)
	}
	defer groupRows.Close()

	groups := make(map[string]*RawPrincipal)
	for groupRows.Next() {
		var group string
		var member *string
		if err := groupRows.Scan(&group, &member); err != nil {
			return nil, classifyPgError(ctx, err)
		}
		gp, ok := groups[group]
		if !ok {
			gp = &RawPrincipal{Name: group, Flags: map[string]bool{"canlogin": false}}
			groups[group] = gp
			order = append(order, group)
		}
		if member != nil {
			gp.Members = append(gp.Members, *member)
			if up, ok := byName[*member]; ok {
				up.MemberOf = append(up.MemberOf, group)
			}
		}
	}
	if err := groupRows.Err(); err != nil {
		return nil, classifyPgError(ctx, err)
	}

	principals := make([]RawPrincipal, 0, len(order))
	for _, name := range order {
		if p, ok := byName[name]; ok {
			principals = append(principals, *p)
		} else if g, ok := groups[name]; ok {
			principals = append(principals, *g)
		}
	}
	return principals, nil
}

func (a *postgresAdapter) Execute(ctx context.Context, stmt dialect.Statement) error {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()
	if _, err := a.conn.Exec(callC, stmt.Text); err != nil {
		return fmt.Errorf("%s: %w", stmt.Category, classifyPgError(callC, err))
	}
	return nil
}

func (a *postgresAdapter) ExecuteBatch(ctx context.Context, stmts []dialect.Statement) error {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()

	tx, err := a.conn.Begin(callC)
	if err != nil {
		return classifyPgError(callC, err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(callC, stmt.Text); err != nil {
			_ = tx.Rollback(callC)
			return fmt.Errorf("%s: %w", stmt.Category, classifyPgError(callC, err))
		}
	}
	return tx.Commit(callC)
}

func classifyPgError(ctx context.Context, err error) error {
	if terr := ctxErr(ctx, err); terr != nil {
		return terr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"): // invalid_password, invalid_authorization
			return fmt.Errorf("%w: %s", ErrAuthFailed, pgErr.Code)
		case pgErr.Code == "42501":
			return fmt.Errorf("%w: %s", ErrPermissionDenied, pgErr.Message)
		case pgErr.Code == "42601":
			return fmt.Errorf("%w: %s", ErrSyntax, pgErr.Message)
		}
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "broken pipe") {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
