package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"dbsentry/internal/config"
	"dbsentry/internal/secrets"

	"github.com/go-ldap/ldap/v3"
)

// ErrDirectoryUnavailable means the directory could not be reached at
// all, as opposed to rejecting the supplied credentials.
var ErrDirectoryUnavailable = errors.New("directory service unavailable")

// DirectoryUser is what a successful directory bind tells us about the
// operator.
type DirectoryUser struct {
	Username string
	DN       string
	Email    string
	FullName string
	Groups   []string
	Role     string
}

// DirectoryClient abstracts the external identity source so the auth
// manager can be tested without a live directory.
type DirectoryClient interface {
	Authenticate(ctx context.Context, username, password string) (*DirectoryUser, error)
}

// LDAPDirectory binds against a configured LDAP server: service-account
// bind, user search by filter, then a bind as the found DN.
type LDAPDirectory struct {
	cfg          config.LDAPConfig
	bindPassword string
	timeout      time.Duration
}

// sealedPrefix marks config values encrypted with the store key.
const sealedPrefix = "enc:"

func NewLDAPDirectory(cfg config.LDAPConfig, box *secrets.Box) (*LDAPDirectory, error) {
	bindPassword := cfg.BindPassword
	if strings.HasPrefix(bindPassword, sealedPrefix) {
		opened, err := box.Open(strings.TrimPrefix(bindPassword, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("failed to unseal directory bind password: %w", err)
		}
		bindPassword = opened
	}
	return &LDAPDirectory{
		cfg:          cfg,
		bindPassword: bindPassword,
		timeout:      config.Duration(cfg.Timeout, 10*time.Second),
	}, nil
}

func (d *LDAPDirectory) dial(ctx context.Context) (*ldap.Conn, error) {
	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	conn, err := ldap.DialURL(d.cfg.URL,
		ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
		ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: d.cfg.SkipVerify}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	conn.SetTimeout(timeout)
	if d.cfg.StartTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: d.cfg.SkipVerify}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: StartTLS failed: %v", ErrDirectoryUnavailable, err)
		}
	}
	return conn, nil
}

// Authenticate performs the search-then-bind flow. Credential
// rejections and connectivity failures surface as distinct errors so the
// auth manager can apply its fallback rules.
func (d *LDAPDirectory) Authenticate(ctx context.Context, username, password string) (*DirectoryUser, error) {
	if password == "" {
		// An empty password would turn the user bind into an anonymous
		// bind, which some servers accept.
		return nil, ErrInvalidCredentials
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.bindPassword); err != nil {
			return nil, fmt.Errorf("%w: service bind failed: %v", ErrDirectoryUnavailable, classifyUnavailable(err))
		}
	}

	filter := strings.ReplaceAll(d.cfg.UserFilter, "{username}", ldap.EscapeFilter(username))
	result, err := conn.Search(ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter,
		[]string{"dn", "cn", "mail", "displayName"},
		nil,
	))
	if err != nil {
		if ldap.IsErrorAnyOf(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: user search failed: %v", ErrDirectoryUnavailable, err)
	}
	if len(result.Entries) == 0 {
		return nil, ErrInvalidCredentials
	}
	entry := result.Entries[0]

	if err := conn.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorAnyOf(err, ldap.LDAPResultInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	groups := d.searchGroups(conn, entry.DN)
	return &DirectoryUser{
		Username: username,
		DN:       entry.DN,
		Email:    entry.GetAttributeValue("mail"),
		FullName: firstNonEmpty(entry.GetAttributeValue("displayName"), entry.GetAttributeValue("cn")),
		Groups:   groups,
		Role:     mapGroupsToRole(groups),
	}, nil
}

func (d *LDAPDirectory) searchGroups(conn *ldap.Conn, userDN string) []string {
	base := d.cfg.GroupBaseDN
	if base == "" {
		base = d.cfg.BaseDN
	}
	filter := strings.ReplaceAll(d.cfg.GroupFilter, "{user_dn}", ldap.EscapeFilter(userDN))
	result, err := conn.Search(ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{"cn"},
		nil,
	))
	if err != nil {
		return nil
	}
	var groups []string
	for _, entry := range result.Entries {
		if cn := entry.GetAttributeValue("cn"); cn != "" {
			groups = append(groups, cn)
		}
	}
	return groups
}

// mapGroupsToRole maps directory groups onto application roles; the
// first matching group wins.
func mapGroupsToRole(groups []string) string {
	mapping := map[string]string{
		"db_admins":      "admin",
		"administrators": "admin",
		"developers":     "developer",
		"analysts":       "analyst",
	}
	for _, g := range groups {
		if role, ok := mapping[strings.ToLower(g)]; ok {
			return role
		}
	}
	return "user"
}

func classifyUnavailable(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
