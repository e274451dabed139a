package models

import (
	"time"
)

// Engine identifies the kind of database a registered server runs.
type Engine string

const (
	EnginePostgres  Engine = "postgres"
	EngineMySQL     Engine = "mysql"
	EngineRedis     Engine = "redis"
	EngineWarehouse Engine = "warehouse"
)

// Valid reports whether e is one of the supported engines.
func (e Engine) Valid() bool {
	switch e {
	case EnginePostgres, EngineMySQL, EngineRedis, EngineWarehouse:
		return true
	}
	return false
}

// IdentityKind distinguishes principals that can log in from pure
// role containers.
type IdentityKind string

const (
	KindLoginUser     IdentityKind = "login_user"
	KindRoleContainer IdentityKind = "role_container"
)

// PrivilegeClass is derived from engine-specific flags at normalization
// time and never set by hand.
type PrivilegeClass string

const (
	ClassSuperuser PrivilegeClass = "superuser"
	ClassAdmin     PrivilegeClass = "admin"
	ClassNormal    PrivilegeClass = "normal"
	ClassDisabled  PrivilegeClass = "disabled"
)

type Server struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	Name          string     `json:"name" gorm:"type:varchar(255);uniqueIndex;not null"`
	Host          string     `json:"host" gorm:"type:varchar(255);not null"`
	Port          int        `json:"port" gorm:"not null"`
	Engine        Engine     `json:"engine" gorm:"type:varchar(50);not null"`
	EngineVersion string     `json:"engine_version" gorm:"type:varchar(50)"`
	DatabaseName  string     `json:"database_name" gorm:"type:varchar(255)"`
	Username      string     `json:"username" gorm:"type:varchar(255)"`
	Password      string     `json:"-" gorm:"type:text"` // AES-GCM sealed, never serialized
	Environment   string     `json:"environment" gorm:"type:varchar(50)"`
	Status        string     `json:"status" gorm:"type:varchar(50);default:'unknown'"`
	LastScannedAt *time.Time `json:"last_scanned_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Identity is the canonical cross-engine representation of a native
// database principal. Uniqueness is scoped to (server_id, native_username);
// the same normalized_username may appear on many servers.
type Identity struct {
	ID                 uint           `json:"id" gorm:"primaryKey"`
	ServerID           uint           `json:"server_id" gorm:"not null;index;uniqueIndex:idx_server_native,priority:1"`
	NativeUsername     string         `json:"native_username" gorm:"type:varchar(255);not null;uniqueIndex:idx_server_native,priority:2"`
	NormalizedUsername string         `json:"normalized_username" gorm:"type:varchar(255);not null;index"`
	Kind               IdentityKind   `json:"kind" gorm:"type:varchar(50);not null"`
	PrivilegeClass     PrivilegeClass `json:"privilege_class" gorm:"type:varchar(50);not null"`
	Active             bool           `json:"active" gorm:"not null;default:true"`
	DiscoveredAt       time.Time      `json:"discovered_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Server             Server         `json:"-" gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
}

func (Identity) TableName() string { return "users" }

// Role is an engine role plus its membership and raw permission payload.
// On engines where roles double as login principals the same underlying
// record also surfaces as an Identity with kind=role_container.
type Role struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ServerID    uint      `json:"server_id" gorm:"not null;index;uniqueIndex:idx_server_role,priority:1"`
	RoleName    string    `json:"role_name" gorm:"type:varchar(255);not null;uniqueIndex:idx_server_role,priority:2"`
	Members     string    `json:"members" gorm:"type:text"`     // JSON array of native usernames
	Permissions string    `json:"permissions" gorm:"type:text"` // opaque per-engine payload, JSON
	Simulated   bool      `json:"simulated" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Server      Server    `json:"-" gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
}

type ScanHistory struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	RunID        string     `json:"run_id" gorm:"type:varchar(64);index"`
	ServerID     uint       `json:"server_id" gorm:"not null;index"`
	ScanType     string     `json:"scan_type" gorm:"type:varchar(50);not null"`
	Status       string     `json:"status" gorm:"type:varchar(50);not null;default:'running'"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	UsersFound   int        `json:"users_found"`
	RolesFound   int        `json:"roles_found"`
	ChangesFound int        `json:"changes_found"`
	ErrorMessage string     `json:"error_message" gorm:"type:text"`
	Server       Server     `json:"-" gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
}

func (ScanHistory) TableName() string { return "scan_history" }

const (
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
)

// ActivityRecord is append-only; rows are never updated, only pruned by
// retention cleanup.
type ActivityRecord struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	ServerID         uint      `json:"server_id" gorm:"not null;index"`
	IdentityUsername string    `json:"identity_username" gorm:"type:varchar(255);not null;index"`
	Action           string    `json:"action" gorm:"type:varchar(50);not null"`
	DetectedManually bool      `json:"detected_manually" gorm:"not null;default:false"`
	Details          string    `json:"details" gorm:"type:text"`
	CreatedAt        time.Time `json:"timestamp" gorm:"index"`
}

func (ActivityRecord) TableName() string { return "user_activity" }

const (
	ActionCreated  = "created"
	ActionModified = "modified"
	ActionDeleted  = "deleted"
	ActionUnknown  = "unknown"
)

// SecurityEvent is created only by the security monitor or the auth
// manager. Resolved is the single mutable field, flipped by an explicit
// operator acknowledgement and never by a later scan.
type SecurityEvent struct {
	ID               uint       `json:"id" gorm:"primaryKey"`
	EventID          string     `json:"event_id" gorm:"type:varchar(64);uniqueIndex"`
	ServerID         *uint      `json:"server_id" gorm:"index"`
	EventType        string     `json:"event_type" gorm:"type:varchar(100);not null"`
	Severity         string     `json:"severity" gorm:"type:varchar(20);not null"`
	IdentityUsername string     `json:"identity_username" gorm:"type:varchar(255)"`
	Description      string     `json:"description" gorm:"type:text"`
	Resolved         bool       `json:"resolved" gorm:"not null;default:false"`
	ResolvedBy       string     `json:"resolved_by" gorm:"type:varchar(255)"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	CreatedAt        time.Time  `json:"created_at" gorm:"index"`
}

const (
	EventManualUserDetected   = "manual_user_detected"
	EventDirectoryUnavailable = "directory_unavailable"
	EventFailedLogin          = "failed_login"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// CommandLog records every mutation issued through the command generator.
// The differ consults it to suppress manual-drift alerts for tool-driven
// changes inside the correlation window.
type CommandLog struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ServerID       uint      `json:"server_id" gorm:"not null;index"`
	TargetUsername string    `json:"target_username" gorm:"type:varchar(255);not null;index"`
	Operation      string    `json:"operation" gorm:"type:varchar(50);not null"`
	IssuedBy       string    `json:"issued_by" gorm:"type:varchar(255)"`
	IssuedAt       time.Time `json:"issued_at" gorm:"index"`
}

func (CommandLog) TableName() string { return "command_log" }
