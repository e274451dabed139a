package services

import (
	"sync"
	"testing"
	"time"

	"dbsentry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssueAndValidate(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	token, claims, err := store.Issue("alice", "admin", "directory", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", claims.Subject)
	assert.NotEmpty(t, claims.TokenID)

	got, err := store.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "admin", got.Role)
	assert.Equal(t, "directory", got.AuthMethod)
}

func TestSessionValidateRejectsGarbage(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	_, err := store.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionValidateRejectsForeignSignature(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	otherCfg := *cfg
	otherCfg.JWT.Secret = "a-different-secret-entirely"
	other := NewSessionStore(&otherCfg)

	token, _, err := other.Issue("mallory", "admin", "local", "", "")
	require.NoError(t, err)

	_, err = store.Validate(token)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestSessionRevocation(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	token, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(token))

	_, err = store.Validate(token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSessionRevocationSurvivesRestart(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	token, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(token))

	// A fresh store only has the persisted record to go on.
	fresh := NewSessionStore(cfg)
	_, err = fresh.Validate(token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSessionConcurrentValidateAndRevoke(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	token, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, verr := store.Validate(token)
				if verr != nil {
					assert.ErrorIs(t, verr, ErrSessionRevoked)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Revoke(token))
	}()
	wg.Wait()

	_, err = store.Validate(token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSessionExpiry(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.JWT.ExpiresIn = "1ms"
	store := NewSessionStore(cfg)

	token, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = store.Validate(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionValidateAfterRestartLoadsFromStore(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	token, _, err := store.Issue("alice", "analyst", "directory", "", "")
	require.NoError(t, err)

	fresh := NewSessionStore(cfg)
	claims, err := fresh.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "analyst", claims.Role)
}

func TestSessionSweepRemovesExpired(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.JWT.ExpiresIn = "1ms"
	store := NewSessionStore(cfg)

	_, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	store.Sweep()

	var count int64
	models.DB.Model(&models.Session{}).Count(&count)
	assert.Zero(t, count)
}

func TestActiveSessionsExcludesRevokedAndExpired(t *testing.T) {
	cfg := setupTestDB(t)
	store := NewSessionStore(cfg)

	_, _, err := store.Issue("alice", "admin", "local", "", "")
	require.NoError(t, err)
	revoked, _, err := store.Issue("bob", "analyst", "local", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(revoked))

	sessions, err := store.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Subject)
}
