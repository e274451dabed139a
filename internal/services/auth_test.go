package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dbsentry/internal/config"
	"dbsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// setupTestDB initializes a temporary sqlite metadata store
func setupTestDB(t *testing.T) *config.Config {
	testDBPath := fmt.Sprintf("%s/dbsentry_test_%d.db", os.TempDir(), time.Now().UnixNano())

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: testDBPath,
			},
		},
		JWT: config.JWTConfig{
			Secret:    "test-secret-key-for-testing-only",
			ExpiresIn: "1h",
			Issuer:    "dbsentry-test",
		},
		Auth: config.AuthConfig{
			LocalFallback:     true,
			MaxFailedAttempts: 5,
			LockoutDuration:   "15m",
			MinPasswordLength: 8,
		},
		Security: config.SecurityConfig{
			PBKDF2Iterations: 1000, // keep tests fast
		},
	}

	require.NoError(t, models.InitDB(cfg))

	t.Cleanup(func() {
		if models.DB != nil {
			if sqlDB, err := models.DB.DB(); err == nil {
				sqlDB.Close()
			}
		}
		os.Remove(testDBPath)
		models.DB = nil
	})

	return cfg
}

// fakeDirectory scripts directory behavior per test
type fakeDirectory struct {
	err   error
	role  string
	calls int
}

func (f *fakeDirectory) Authenticate(ctx context.Context, username, password string) (*DirectoryUser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	role := f.role
	if role == "" {
		role = "user"
	}
	return &DirectoryUser{Username: username, Role: role}, nil
}

func newTestAuth(t *testing.T, cfg *config.Config, directory DirectoryClient) (*AuthService, *SessionStore) {
	sessions := NewSessionStore(cfg)
	return NewAuthService(cfg, directory, sessions), sessions
}

func TestLoginDirectorySuccess(t *testing.T) {
	cfg := setupTestDB(t)
	dir := &fakeDirectory{role: "admin"}
	auth, _ := newTestAuth(t, cfg, dir)

	result, err := auth.Login(context.Background(), "alice", "pw", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Subject)
	assert.Equal(t, "admin", result.Role)
	assert.Equal(t, "directory", result.AuthMethod)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, 1, dir.calls)

	// Attempt log records the success without any password material.
	var attempts []models.AuthAttempt
	require.NoError(t, models.DB.Find(&attempts).Error)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.NotContains(t, attempts[0].ErrorMessage, "pw")
}

func TestLoginLocalFallbackWhenDirectoryRejects(t *testing.T) {
	cfg := setupTestDB(t)
	dir := &fakeDirectory{err: ErrInvalidCredentials}
	auth, _ := newTestAuth(t, cfg, dir)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	result, err := auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, "local", result.AuthMethod)
	assert.Equal(t, "analyst", result.Role)
}

func TestLoginNoFallbackWhenDisabled(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.Auth.LocalFallback = false
	dir := &fakeDirectory{err: ErrInvalidCredentials}
	auth, _ := newTestAuth(t, cfg, dir)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	_, err = auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDirectoryUnavailableFallsThrough(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.Auth.LocalFallback = false // connectivity failures fall through regardless
	dir := &fakeDirectory{err: ErrDirectoryUnavailable}
	auth, _ := newTestAuth(t, cfg, dir)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	result, err := auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, "local", result.AuthMethod)

	// Exactly one degradation event is recorded for the login.
	var events []models.SecurityEvent
	require.NoError(t, models.DB.Where("event_type = ?", models.EventDirectoryUnavailable).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityLow, events[0].Severity)
}

func TestLoginLockoutAtThreshold(t *testing.T) {
	cfg := setupTestDB(t)
	auth, _ := newTestAuth(t, cfg, nil)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	// Failures below the threshold keep returning invalid credentials.
	for i := 0; i < cfg.Auth.MaxFailedAttempts; i++ {
		_, err := auth.Login(context.Background(), "bob", "wrong", "127.0.0.1", "test")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	// The account is now locked; even the correct password fails fast.
	_, err = auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrAccountLocked)

	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Until.After(time.Now()))

	// Crossing the threshold records a failed_login security event.
	var events []models.SecurityEvent
	require.NoError(t, models.DB.Where("event_type = ?", models.EventFailedLogin).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityMedium, events[0].Severity)
	assert.Equal(t, "bob", events[0].IdentityUsername)
}

func TestLoginLockedSkipsDirectory(t *testing.T) {
	cfg := setupTestDB(t)
	dir := &fakeDirectory{role: "admin"}
	auth, _ := newTestAuth(t, cfg, dir)

	user, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	until := time.Now().Add(10 * time.Minute)
	require.NoError(t, models.DB.Model(&models.LocalUser{}).
		Where("id = ?", user.ID).
		Update("locked_until", until).Error)

	_, err = auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, 0, dir.calls)
}

func TestSuccessResetsFailedAttempts(t *testing.T) {
	cfg := setupTestDB(t)
	auth, _ := newTestAuth(t, cfg, nil)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = auth.Login(context.Background(), "bob", "wrong", "127.0.0.1", "test")
	}

	_, err = auth.Login(context.Background(), "bob", "Str0ngPass", "127.0.0.1", "test")
	require.NoError(t, err)

	var user models.LocalUser
	require.NoError(t, models.DB.Where("username = ?", "bob").First(&user).Error)
	assert.Zero(t, user.FailedAttempts)
	assert.Nil(t, user.LockedUntil)
	assert.NotNil(t, user.LastLoginAt)
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	cfg := setupTestDB(t)
	auth, _ := newTestAuth(t, cfg, nil)

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)
	_, err = auth.CreateUser("bob", "OtherPass1", "analyst")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreateUserStoresNoCleartext(t *testing.T) {
	cfg := setupTestDB(t)
	auth, _ := newTestAuth(t, cfg, nil)

	user, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	require.NoError(t, err)
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEmpty(t, user.Salt)
	assert.NotContains(t, user.PasswordHash, "Str0ngPass")
}

func TestPasswordStrengthEnforced(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.Auth.RequireStrongPass = true
	auth, _ := newTestAuth(t, cfg, nil)

	for _, weak := range []string{"short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
		_, err := auth.CreateUser("bob", weak, "analyst")
		assert.ErrorIs(t, err, ErrWeakPassword, "password %q", weak)
	}

	_, err := auth.CreateUser("bob", "Str0ngPass", "analyst")
	assert.NoError(t, err)
}

func TestCreateDefaultUser(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.DefaultUser = config.DefaultUserConfig{Username: "admin", Password: "Admin123x", Role: "admin"}
	auth, _ := newTestAuth(t, cfg, nil)

	require.NoError(t, auth.CreateDefaultUser())

	var count int64
	models.DB.Model(&models.LocalUser{}).Count(&count)
	assert.Equal(t, int64(1), count)

	// A populated store is left alone.
	require.NoError(t, auth.CreateDefaultUser())
	models.DB.Model(&models.LocalUser{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// The shipped config enables require_strong_passwords, so the default
// credentials it carries must satisfy the policy or a fresh deployment
// boots with no operator account.
func TestShippedDefaultUserPassesPasswordPolicy(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	var shipped config.Config
	require.NoError(t, yaml.Unmarshal(raw, &shipped))

	cfg := setupTestDB(t)
	cfg.Auth.RequireStrongPass = shipped.Auth.RequireStrongPass
	cfg.Auth.MinPasswordLength = shipped.Auth.MinPasswordLength
	cfg.DefaultUser = shipped.DefaultUser
	auth, _ := newTestAuth(t, cfg, nil)

	require.NoError(t, auth.CreateDefaultUser())

	var user models.LocalUser
	require.NoError(t, models.DB.Where("username = ?", shipped.DefaultUser.Username).First(&user).Error)
	assert.Equal(t, "admin", user.Role)
}

func TestDirectoryGroupMapping(t *testing.T) {
	assert.Equal(t, "admin", mapGroupsToRole([]string{"db_admins"}))
	assert.Equal(t, "admin", mapGroupsToRole([]string{"Administrators"}))
	assert.Equal(t, "developer", mapGroupsToRole([]string{"developers", "analysts"}))
	assert.Equal(t, "analyst", mapGroupsToRole([]string{"analysts"}))
	assert.Equal(t, "user", mapGroupsToRole([]string{"unmapped"}))
	assert.Equal(t, "user", mapGroupsToRole(nil))
}

func TestLockedErrorMatchesSentinel(t *testing.T) {
	err := &LockedError{Until: time.Now()}
	assert.True(t, errors.Is(err, ErrAccountLocked))
}
