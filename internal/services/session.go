package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbsentry/internal/config"
	"dbsentry/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrSessionExpired = errors.New("session expired")
	ErrSessionRevoked = errors.New("session revoked")
	ErrSessionUnknown = errors.New("session unknown")
)

// Claims is what a validated session asserts about its holder.
type Claims struct {
	Subject    string    `json:"subject"`
	Role       string    `json:"role"`
	AuthMethod string    `json:"auth_method"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TokenID    string    `json:"token_id"`
}

type sessionEntry struct {
	claims  Claims
	revoked bool
}

// SessionStore owns every live session. Lookups are lock-shared so
// Validate never blocks Issue/Revoke for unrelated tokens; expired
// entries go away both lazily on read and through the periodic sweep.
type SessionStore struct {
	secret []byte
	issuer string
	ttl    time.Duration
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func NewSessionStore(cfg *config.Config) *SessionStore {
	secret := cfg.JWT.Secret
	if secret == "" {
		secret = "dbsentry-default-secret-change-in-production"
	}
	return &SessionStore{
		secret:   []byte(secret),
		issuer:   cfg.JWT.Issuer,
		ttl:      config.Duration(cfg.JWT.ExpiresIn, 8*time.Hour),
		log:      slog.Default().With("component", "sessions"),
		sessions: make(map[string]*sessionEntry),
	}
}

// Issue signs a new session token and records it in memory and in the
// user_sessions table.
func (s *SessionStore) Issue(subject, role, authMethod, ip, userAgent string) (string, Claims, error) {
	now := time.Now()
	claims := Claims{
		Subject:    subject,
		Role:       role,
		AuthMethod: authMethod,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
		TokenID:    uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    claims.Subject,
		"role":   claims.Role,
		"method": claims.AuthMethod,
		"iat":    claims.IssuedAt.Unix(),
		"exp":    claims.ExpiresAt.Unix(),
		"iss":    s.issuer,
		"jti":    claims.TokenID,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.mu.Lock()
	s.sessions[signed] = &sessionEntry{claims: claims}
	s.mu.Unlock()

	record := models.Session{
		Token:      signed,
		Subject:    subject,
		Role:       role,
		AuthMethod: authMethod,
		IPAddress:  ip,
		UserAgent:  userAgent,
		IssuedAt:   claims.IssuedAt,
		ExpiresAt:  claims.ExpiresAt,
	}
	if err := models.DB.Create(&record).Error; err != nil {
		s.log.Error("failed to persist session", "subject", subject, "error", err)
	}
	return signed, claims, nil
}

// Validate checks the token signature and the store's revocation and
// expiry state. Expired entries are evicted on the way out.
func (s *SessionStore) Validate(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.evict(token)
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionUnknown
	}
	if !parsed.Valid {
		return nil, ErrSessionUnknown
	}

	// Snapshot the entry while holding the lock; Revoke flips the
	// revoked flag on the shared entry under the write lock.
	s.mu.RLock()
	var entry sessionEntry
	stored, ok := s.sessions[token]
	if ok {
		entry = *stored
	}
	s.mu.RUnlock()

	if !ok {
		// Not in memory (e.g. after restart); fall back to the
		// persisted record.
		loaded, err := s.load(token)
		if err != nil {
			return nil, err
		}
		entry = loaded
	}

	if entry.revoked {
		return nil, ErrSessionRevoked
	}
	if !time.Now().Before(entry.claims.ExpiresAt) {
		s.evict(token)
		return nil, ErrSessionExpired
	}
	claims := entry.claims
	return &claims, nil
}

// load returns the entry by value so callers never touch the shared
// copy outside the lock.
func (s *SessionStore) load(token string) (sessionEntry, error) {
	var record models.Session
	if err := models.DB.Where("token = ?", token).First(&record).Error; err != nil {
		return sessionEntry{}, ErrSessionUnknown
	}
	entry := sessionEntry{
		claims: Claims{
			Subject:    record.Subject,
			Role:       record.Role,
			AuthMethod: record.AuthMethod,
			IssuedAt:   record.IssuedAt,
			ExpiresAt:  record.ExpiresAt,
		},
		revoked: record.Revoked,
	}
	s.mu.Lock()
	stored := entry
	s.sessions[token] = &stored
	s.mu.Unlock()
	return entry, nil
}

// Revoke invalidates a token immediately (logout).
func (s *SessionStore) Revoke(token string) error {
	s.mu.Lock()
	if entry, ok := s.sessions[token]; ok {
		entry.revoked = true
	}
	s.mu.Unlock()
	return models.DB.Model(&models.Session{}).
		Where("token = ?", token).
		Update("revoked", true).Error
}

func (s *SessionStore) evict(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep drops expired sessions from memory and from the store so memory
// stays bounded across long uptimes.
func (s *SessionStore) Sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, entry := range s.sessions {
		if !now.Before(entry.claims.ExpiresAt) {
			delete(s.sessions, token)
		}
	}
	s.mu.Unlock()

	if err := models.DB.Where("expires_at < ?", now).Delete(&models.Session{}).Error; err != nil {
		s.log.Error("failed to sweep expired sessions", "error", err)
	}
}

// RunSweeper periodically evicts expired sessions until ctx is
// cancelled.
func (s *SessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// ActiveSessions lists live persisted sessions for the dashboard.
func (s *SessionStore) ActiveSessions() ([]models.Session, error) {
	var sessions []models.Session
	err := models.DB.
		Where("expires_at > ? AND revoked = ?", time.Now(), false).
		Order("issued_at DESC").
		Find(&sessions).Error
	return sessions, err
}
