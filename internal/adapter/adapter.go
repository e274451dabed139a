// Package adapter wraps one physical connection per database engine
// behind a uniform introspect/execute contract.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dbsentry/internal/dialect"
	"dbsentry/internal/models"
)

var (
	// ErrTimeout is kept distinct from credential failures so callers can
	// decide retry policy.
	ErrTimeout          = errors.New("operation timed out")
	ErrAuthFailed       = errors.New("authentication rejected by engine")
	ErrPermissionDenied = errors.New("permission denied by engine")
	ErrSyntax           = errors.New("statement rejected as invalid")
	ErrConnectionLost   = errors.New("connection lost")
	ErrUnknownEngine    = errors.New("no adapter registered for engine")
)

// DefaultTimeout bounds every remote call unless the caller overrides it.
const DefaultTimeout = 30 * time.Second

// RawPrincipal is a native principal exactly as the engine reports it,
// before normalization.
type RawPrincipal struct {
	Name       string
	Flags      map[string]bool
	Privileges []string // grant strings or ACL tokens
	MemberOf   []string // role names this principal belongs to
	Members    []string // for role containers that list members natively
}

// RawPrincipalSet is the atomic unit a scan produces.
type RawPrincipalSet struct {
	Engine        models.Engine
	EngineVersion string
	Principals    []RawPrincipal
}

// Config holds what an adapter needs to reach one server. Password is
// already decrypted by the caller and must never be logged.
type Config struct {
	Engine   models.Engine
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Adapter is one live connection to a database engine.
type Adapter interface {
	Engine() models.Engine
	Introspect(ctx context.Context) (*RawPrincipalSet, error)
	Execute(ctx context.Context, stmt dialect.Statement) error
	// ExecuteBatch runs statements inside a transaction when the engine
	// supports one; otherwise sequentially, reporting partial success
	// through *PartialError instead of implying atomicity.
	ExecuteBatch(ctx context.Context, stmts []dialect.Statement) error
	SupportsTransactions() bool
	Close() error
}

// PartialError reports how far a non-transactional batch got before
// failing.
type PartialError struct {
	Applied int
	Total   int
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("applied %d of %d statements: %v", e.Applied, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

type Factory func(ctx context.Context, cfg Config) (Adapter, error)

var registry = map[models.Engine]Factory{
	models.EnginePostgres:  connectPostgres,
	models.EngineWarehouse: connectPostgres,
	models.EngineMySQL:     connectMySQL,
	models.EngineRedis:     connectRedis,
}

// Connect opens an adapter for the server's engine.
func Connect(ctx context.Context, cfg Config) (Adapter, error) {
	f, ok := registry[cfg.Engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Engine)
	}
	return f(ctx, cfg)
}

// callCtx derives the bounded per-call context every remote operation
// must run under.
func callCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func ctxErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}
