package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	JWT         JWTConfig         `yaml:"jwt"`
	Auth        AuthConfig        `yaml:"auth"`
	Security    SecurityConfig    `yaml:"security"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	DefaultUser DefaultUserConfig `yaml:"default_user"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Type   string       `yaml:"type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Charset  string `yaml:"charset"`
}

type JWTConfig struct {
	Secret    string `yaml:"secret"`
	ExpiresIn string `yaml:"expires_in"`
	Issuer    string `yaml:"issuer"`
}

// AuthConfig controls the hybrid authenticator: directory bind first,
// local credential store as fallback.
type AuthConfig struct {
	LDAP              LDAPConfig `yaml:"ldap"`
	LocalFallback     bool       `yaml:"local_fallback"`
	MaxFailedAttempts int        `yaml:"max_failed_attempts"`
	LockoutDuration   string     `yaml:"lockout_duration"`
	MinPasswordLength int        `yaml:"min_password_length"`
	RequireStrongPass bool       `yaml:"require_strong_passwords"`
}

type LDAPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"` // ldap:// or ldaps://
	BaseDN       string `yaml:"base_dn"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"` // sealed at rest, see security.encryption_key
	UserFilter   string `yaml:"user_filter"`   // e.g. (uid={username})
	GroupBaseDN  string `yaml:"group_base_dn"`
	GroupFilter  string `yaml:"group_filter"` // e.g. (member={user_dn})
	Timeout      string `yaml:"timeout"`
	StartTLS     bool   `yaml:"start_tls"`
	SkipVerify   bool   `yaml:"skip_verify"`
}

type SecurityConfig struct {
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
	EncryptionKey    string `yaml:"encryption_key"` // hex, 32 bytes once decoded
}

type ScannerConfig struct {
	Workers           int    `yaml:"workers"`
	Timeout           string `yaml:"timeout"`
	Interval          string `yaml:"interval"`
	CorrelationWindow string `yaml:"correlation_window"`
}

type DefaultUserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

var Global *Config

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	if jwtSecret := os.Getenv("DBSENTRY_JWT_SECRET"); jwtSecret != "" {
		cfg.JWT.Secret = jwtSecret
	}

	if dbType := os.Getenv("DBSENTRY_DB_TYPE"); dbType != "" {
		cfg.Database.Type = dbType
	}

	if dbPath := os.Getenv("DBSENTRY_DB_PATH"); dbPath != "" {
		cfg.Database.SQLite.Path = dbPath
	}

	if mysqlHost := os.Getenv("DBSENTRY_MYSQL_HOST"); mysqlHost != "" {
		cfg.Database.MySQL.Host = mysqlHost
	}

	if mysqlUser := os.Getenv("DBSENTRY_MYSQL_USER"); mysqlUser != "" {
		cfg.Database.MySQL.Username = mysqlUser
	}

	if mysqlPass := os.Getenv("DBSENTRY_MYSQL_PASSWORD"); mysqlPass != "" {
		cfg.Database.MySQL.Password = mysqlPass
	}

	if mysqlDB := os.Getenv("DBSENTRY_MYSQL_DATABASE"); mysqlDB != "" {
		cfg.Database.MySQL.Database = mysqlDB
	}

	if encKey := os.Getenv("DBSENTRY_ENCRYPTION_KEY"); encKey != "" {
		cfg.Security.EncryptionKey = encKey
	}

	if bindPass := os.Getenv("DBSENTRY_LDAP_BIND_PASSWORD"); bindPass != "" {
		cfg.Auth.LDAP.BindPassword = bindPass
	}

	cfg.applyDefaults()

	// Ensure data directory exists for SQLite
	if cfg.Database.Type == "sqlite" {
		dataDir := filepath.Dir(cfg.Database.SQLite.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Validate MySQL configuration if MySQL is selected
	if cfg.Database.Type == "mysql" {
		if cfg.Database.MySQL.Username == "" {
			return nil, fmt.Errorf("MySQL username is required")
		}
		if cfg.Database.MySQL.Database == "" {
			return nil, fmt.Errorf("MySQL database name is required")
		}
	}

	if cfg.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("security.encryption_key is required (hex-encoded 32 bytes)")
	}

	Global = &cfg
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.JWT.ExpiresIn == "" {
		c.JWT.ExpiresIn = "8h"
	}
	if c.Auth.MaxFailedAttempts == 0 {
		c.Auth.MaxFailedAttempts = 5
	}
	if c.Auth.LockoutDuration == "" {
		c.Auth.LockoutDuration = "15m"
	}
	if c.Auth.MinPasswordLength == 0 {
		c.Auth.MinPasswordLength = 8
	}
	if c.Auth.LDAP.UserFilter == "" {
		c.Auth.LDAP.UserFilter = "(uid={username})"
	}
	if c.Auth.LDAP.GroupFilter == "" {
		c.Auth.LDAP.GroupFilter = "(member={user_dn})"
	}
	if c.Auth.LDAP.Timeout == "" {
		c.Auth.LDAP.Timeout = "10s"
	}
	if c.Security.PBKDF2Iterations == 0 {
		c.Security.PBKDF2Iterations = 100000
	}
	if c.Scanner.Workers == 0 {
		c.Scanner.Workers = 8
	}
	if c.Scanner.Timeout == "" {
		c.Scanner.Timeout = "30s"
	}
	if c.Scanner.CorrelationWindow == "" {
		c.Scanner.CorrelationWindow = "5m"
	}
}

// Duration parses a duration field, falling back to def when the field
// is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
