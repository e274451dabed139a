package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"dbsentry/internal/config"
	"dbsentry/internal/models"
	"dbsentry/internal/secrets"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrWeakPassword       = errors.New("password does not meet strength requirements")
)

// LockedError carries when the lockout window ends so the handler can
// say so explicitly; it still matches ErrAccountLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

const (
	authMethodDirectory = "directory"
	authMethodLocal     = "local"
)

// AuthService is the hybrid authenticator: directory bind first, local
// credential verification as fallback, with lockout tracking on the
// local store.
type AuthService struct {
	cfg        *config.Config
	directory  DirectoryClient // nil when no directory is configured
	sessions   *SessionStore
	maxFailed  int
	lockout    time.Duration
	iterations int
	log        *slog.Logger
}

func NewAuthService(cfg *config.Config, directory DirectoryClient, sessions *SessionStore) *AuthService {
	return &AuthService{
		cfg:        cfg,
		directory:  directory,
		sessions:   sessions,
		maxFailed:  cfg.Auth.MaxFailedAttempts,
		lockout:    config.Duration(cfg.Auth.LockoutDuration, 15*time.Minute),
		iterations: cfg.Security.PBKDF2Iterations,
		log:        slog.Default().With("component", "auth"),
	}
}

// LoginResult is returned on successful authentication. The supplied
// password is never echoed back in results, logs, or errors.
type LoginResult struct {
	Token      string    `json:"token"`
	Subject    string    `json:"subject"`
	Role       string    `json:"role"`
	AuthMethod string    `json:"auth_method"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Login authenticates an operator. Order: lockout fast-fail, directory
// bind, then local fallback according to the failure kind.
func (s *AuthService) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	local, err := s.findLocalUser(username)
	if err != nil {
		return nil, err
	}

	// A locked account fails fast; no directory call is made.
	if local != nil && local.LockedUntil != nil && time.Now().Before(*local.LockedUntil) {
		s.logAttempt(username, "unknown", false, ip, userAgent, "account locked")
		return nil, &LockedError{Until: *local.LockedUntil}
	}

	if s.directory != nil {
		result, err := s.tryDirectory(ctx, username, password, ip, userAgent, local)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errFallThrough) {
			return nil, err
		}
	}

	return s.tryLocal(username, password, ip, userAgent, local)
}

// errFallThrough is internal routing: directory said no (or was away)
// and local verification should run.
var errFallThrough = errors.New("fall through to local verification")

func (s *AuthService) tryDirectory(ctx context.Context, username, password, ip, userAgent string, local *models.LocalUser) (*LoginResult, error) {
	dirUser, err := s.directory.Authenticate(ctx, username, password)
	if err == nil {
		s.onSuccess(username, authMethodDirectory, ip, userAgent, local)
		return s.issue(username, dirUser.Role, authMethodDirectory, ip, userAgent)
	}

	if errors.Is(err, ErrDirectoryUnavailable) {
		// Connectivity failures always fall through to local
		// verification, and the degradation is recorded.
		s.recordEvent(models.EventDirectoryUnavailable, models.SeverityLow, username,
			"directory unreachable during login; local verification used")
		s.log.Warn("directory unavailable, falling back to local verification", "username", username)
		return nil, errFallThrough
	}

	// A credential rejection only falls through when fallback is
	// enabled globally and for this account.
	if errors.Is(err, ErrInvalidCredentials) {
		if s.cfg.Auth.LocalFallback && (local == nil || local.LocalFallback) {
			return nil, errFallThrough
		}
		s.handleFailure(local)
		s.logAttempt(username, authMethodDirectory, false, ip, userAgent, "directory rejected credentials")
		return nil, ErrInvalidCredentials
	}
	return nil, err
}

func (s *AuthService) tryLocal(username, password, ip, userAgent string, local *models.LocalUser) (*LoginResult, error) {
	if local == nil || !local.Active {
		s.logAttempt(username, authMethodLocal, false, ip, userAgent, "unknown or inactive account")
		return nil, ErrInvalidCredentials
	}

	if !secrets.VerifyPassword(password, local.Salt, local.PasswordHash, s.iterations) {
		s.handleFailure(local)
		s.logAttempt(username, authMethodLocal, false, ip, userAgent, "password mismatch")
		return nil, ErrInvalidCredentials
	}

	s.onSuccess(username, authMethodLocal, ip, userAgent, local)
	return s.issue(username, local.Role, authMethodLocal, ip, userAgent)
}

func (s *AuthService) issue(username, role, method, ip, userAgent string) (*LoginResult, error) {
	token, claims, err := s.sessions.Issue(username, role, method, ip, userAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return &LoginResult{
		Token:      token,
		Subject:    claims.Subject,
		Role:       claims.Role,
		AuthMethod: claims.AuthMethod,
		ExpiresAt:  claims.ExpiresAt,
	}, nil
}

func (s *AuthService) findLocalUser(username string) (*models.LocalUser, error) {
	var user models.LocalUser
	if err := models.DB.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// onSuccess resets lockout state and records the attempt. Any
// successful authentication, directory or local, clears failed
// attempts.
func (s *AuthService) onSuccess(username, method, ip, userAgent string, local *models.LocalUser) {
	if local != nil {
		now := time.Now()
		updates := map[string]interface{}{
			"failed_attempts": 0,
			"locked_until":    nil,
			"last_login_at":   now,
		}
		if err := models.DB.Model(local).Updates(updates).Error; err != nil {
			s.log.Error("failed to reset lockout state", "username", username, "error", err)
		}
	}
	s.logAttempt(username, method, true, ip, userAgent, "")
}

// handleFailure increments the failure counter and locks the account at
// the threshold.
func (s *AuthService) handleFailure(local *models.LocalUser) {
	if local == nil {
		return
	}
	local.FailedAttempts++
	updates := map[string]interface{}{"failed_attempts": local.FailedAttempts}
	if local.FailedAttempts >= s.maxFailed {
		until := time.Now().Add(s.lockout)
		local.LockedUntil = &until
		updates["locked_until"] = until
		s.recordEvent(models.EventFailedLogin, models.SeverityMedium, local.Username,
			fmt.Sprintf("account locked after %d failed attempts", local.FailedAttempts))
		s.log.Warn("account locked", "username", local.Username, "until", until)
	}
	if err := models.DB.Model(local).Updates(updates).Error; err != nil {
		s.log.Error("failed to record auth failure", "username", local.Username, "error", err)
	}
}

func (s *AuthService) logAttempt(username, method string, success bool, ip, userAgent, errMsg string) {
	attempt := models.AuthAttempt{
		Username:     username,
		AuthMethod:   method,
		Success:      success,
		IPAddress:    ip,
		UserAgent:    userAgent,
		ErrorMessage: errMsg,
	}
	if err := models.DB.Create(&attempt).Error; err != nil {
		s.log.Error("failed to log auth attempt", "username", username, "error", err)
	}
}

func (s *AuthService) recordEvent(eventType, severity, username, description string) {
	event := models.SecurityEvent{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		Severity:         severity,
		IdentityUsername: username,
		Description:      description,
	}
	if err := models.DB.Create(&event).Error; err != nil {
		s.log.Error("failed to record security event", "event_type", eventType, "error", err)
	}
}

// CreateUser creates a local operator account.
func (s *AuthService) CreateUser(username, password, role string) (*models.LocalUser, error) {
	var existing models.LocalUser
	if err := models.DB.Where("username = ?", username).First(&existing).Error; err == nil {
		return nil, ErrUserExists
	}

	if s.cfg.Auth.RequireStrongPass && !s.isPasswordStrong(password) {
		return nil, ErrWeakPassword
	}

	salt, err := secrets.NewSalt()
	if err != nil {
		return nil, err
	}
	user := &models.LocalUser{
		Username:      username,
		PasswordHash:  secrets.HashPassword(password, salt, s.iterations),
		Salt:          salt,
		Role:          role,
		Active:        true,
		LocalFallback: true,
	}
	if err := models.DB.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// SetPassword replaces a local user's credential with a fresh salt.
func (s *AuthService) SetPassword(username, password string) error {
	if s.cfg.Auth.RequireStrongPass && !s.isPasswordStrong(password) {
		return ErrWeakPassword
	}
	user, err := s.findLocalUser(username)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	salt, err := secrets.NewSalt()
	if err != nil {
		return err
	}
	return models.DB.Model(user).Updates(map[string]interface{}{
		"password_hash": secrets.HashPassword(password, salt, s.iterations),
		"salt":          salt,
	}).Error
}

// CreateDefaultUser bootstraps the default admin when the local store
// is empty.
func (s *AuthService) CreateDefaultUser() error {
	var count int64
	models.DB.Model(&models.LocalUser{}).Count(&count)

	if count == 0 {
		_, err := s.CreateUser(
			s.cfg.DefaultUser.Username,
			s.cfg.DefaultUser.Password,
			s.cfg.DefaultUser.Role,
		)
		return err
	}
	return nil
}

func (s *AuthService) isPasswordStrong(password string) bool {
	if len(password) < s.cfg.Auth.MinPasswordLength {
		return false
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}
