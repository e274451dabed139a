package models

import (
	"time"
)

// LocalUser is an operator account in the local credential store, used
// when the directory service rejects or cannot be reached. The password
// is stored as a salted PBKDF2 hash; cleartext never touches this table.
type LocalUser struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Username       string     `json:"username" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash   string     `json:"-" gorm:"type:varchar(512);not null"`
	Salt           string     `json:"-" gorm:"type:varchar(256);not null"`
	Email          string     `json:"email" gorm:"type:varchar(255)"`
	FullName       string     `json:"full_name" gorm:"type:varchar(255)"`
	Role           string     `json:"role" gorm:"type:varchar(100);default:'user'"` // admin, analyst, user
	Active         bool       `json:"active" gorm:"not null;default:true"`
	LocalFallback  bool       `json:"local_fallback" gorm:"not null;default:true"`
	FailedAttempts int        `json:"failed_attempts" gorm:"not null;default:0"`
	LockedUntil    *time.Time `json:"locked_until"`
	LastLoginAt    *time.Time `json:"last_login_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (LocalUser) TableName() string { return "local_users" }

// Session is the persisted view of an issued session token, mirrored by
// the in-memory session store so the dashboard can list live sessions.
type Session struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Token      string    `json:"-" gorm:"type:varchar(500);uniqueIndex;not null"`
	Subject    string    `json:"subject" gorm:"type:varchar(255);not null;index"`
	Role       string    `json:"role" gorm:"type:varchar(100)"`
	AuthMethod string    `json:"auth_method" gorm:"type:varchar(50)"` // directory, local
	IPAddress  string    `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent  string    `json:"user_agent" gorm:"type:varchar(500)"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"not null;index"`
	Revoked    bool      `json:"revoked" gorm:"not null;default:false"`
}

func (Session) TableName() string { return "user_sessions" }

// AuthAttempt is an append-only log of every login attempt. Passwords
// are never written here.
type AuthAttempt struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Username     string    `json:"username" gorm:"type:varchar(255);not null;index"`
	AuthMethod   string    `json:"auth_method" gorm:"type:varchar(50);not null"`
	Success      bool      `json:"success" gorm:"not null"`
	IPAddress    string    `json:"ip_address" gorm:"type:varchar(45)"`
	UserAgent    string    `json:"user_agent" gorm:"type:varchar(500)"`
	ErrorMessage string    `json:"error_message" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

func (AuthAttempt) TableName() string { return "auth_attempts" }
