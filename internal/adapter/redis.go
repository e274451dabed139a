package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"dbsentry/internal/dialect"
	"dbsentry/internal/models"

	"github.com/redis/go-redis/v9"
)

type redisAdapter struct {
	client *redis.Client
	cfg    Config
}

func connectRedis(ctx context.Context, cfg Config) (Adapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.timeout(),
		ReadTimeout:  cfg.timeout(),
		WriteTimeout: cfg.timeout(),
	})

	pingCtx, cancel := callCtx(ctx, cfg.timeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, classifyRedisError(pingCtx, err)
	}
	return &redisAdapter{client: client, cfg: cfg}, nil
}

func (a *redisAdapter) Engine() models.Engine      { return models.EngineRedis }
func (a *redisAdapter) SupportsTransactions() bool { return false }
func (a *redisAdapter) Close() error               { return a.client.Close() }

func (a *redisAdapter) Introspect(ctx context.Context) (*RawPrincipalSet, error) {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()

	version := ""
	if info, err := a.client.Info(callC, "server").Result(); err == nil {
		version = parseRedisVersion(info)
	}

	lines, err := a.client.Do(callC, "ACL", "LIST").StringSlice()
	if err != nil {
		return nil, classifyRedisError(callC, err)
	}

	principals := make([]RawPrincipal, 0, len(lines))
	for _, line := range lines {
		p, ok := parseACLLine(line)
		if !ok {
			continue
		}
		principals = append(principals, p)
	}
	sort.Slice(principals, func(i, j int) bool { return principals[i].Name < principals[j].Name })

	return &RawPrincipalSet{
		Engine:        models.EngineRedis,
		EngineVersion: version,
		Principals:    principals,
	}, nil
}

// parseACLLine parses one "ACL LIST" entry, e.g.
// "user alice on #<hash> ~app:* &* +@read +@write". Password hashes are
// dropped; only the enabled flag and permission tokens survive.
func parseACLLine(line string) (RawPrincipal, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "user" {
		return RawPrincipal{}, false
	}
	p := RawPrincipal{
		Name:  fields[1],
		Flags: map[string]bool{"enabled": false},
	}
	for _, tok := range fields[2:] {
		switch {
		case tok == "on":
			p.Flags["enabled"] = true
		case tok == "off":
			p.Flags["enabled"] = false
		case strings.HasPrefix(tok, "#") || strings.HasPrefix(tok, ">"):
			// credential material, never carried forward
		default:
			p.Privileges = append(p.Privileges, tok)
		}
	}
	return p, true
}

func parseRedisVersion(info string) string {
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, "redis_version:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "redis_version:"))
		}
	}
	return ""
}

func (a *redisAdapter) Execute(ctx context.Context, stmt dialect.Statement) error {
	callC, cancel := callCtx(ctx, a.cfg.timeout())
	defer cancel()

	args := make([]interface{}, len(stmt.Args))
	for i, s := range stmt.Args {
		args[i] = s
	}
	if err := a.client.Do(callC, args...).Err(); err != nil {
		return fmt.Errorf("%s: %w", stmt.Category, classifyRedisError(callC, err))
	}
	return nil
}

func (a *redisAdapter) ExecuteBatch(ctx context.Context, stmts []dialect.Statement) error {
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

func classifyRedisError(ctx context.Context, err error) error {
	if terr := ctxErr(ctx, err); terr != nil {
		return terr
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOAUTH"):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	case strings.HasPrefix(msg, "NOPERM"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.HasPrefix(msg, "ERR unknown command"), strings.HasPrefix(msg, "ERR syntax"):
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
