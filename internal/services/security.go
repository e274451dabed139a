package services

import (
	"errors"
	"time"

	"dbsentry/internal/models"

	"gorm.io/gorm"
)

var ErrEventNotFound = errors.New("security event not found")

// SecurityService exposes the audit surface: drift events, the activity
// feed, and the cross-server identity view.
type SecurityService struct{}

func NewSecurityService() *SecurityService {
	return &SecurityService{}
}

type EventFilter struct {
	ServerID   uint
	Severity   string
	Unresolved bool
	Limit      int
}

func (s *SecurityService) GetEvents(f EventFilter) ([]models.SecurityEvent, error) {
	q := models.DB.Order("created_at DESC")
	if f.ServerID > 0 {
		q = q.Where("server_id = ?", f.ServerID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Unresolved {
		q = q.Where("resolved = ?", false)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var events []models.SecurityEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ResolveEvent marks an event handled and records who closed it.
func (s *SecurityService) ResolveEvent(eventID, resolvedBy string) (*models.SecurityEvent, error) {
	var event models.SecurityEvent
	if err := models.DB.Where("event_id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"resolved":    true,
		"resolved_by": resolvedBy,
		"resolved_at": &now,
	}
	if err := models.DB.Model(&event).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

type ActivityFilter struct {
	ServerID uint
	Username string
	Action   string
	Limit    int
}

func (s *SecurityService) GetActivity(f ActivityFilter) ([]models.ActivityRecord, error) {
	q := models.DB.Order("created_at DESC")
	if f.ServerID > 0 {
		q = q.Where("server_id = ?", f.ServerID)
	}
	if f.Username != "" {
		q = q.Where("identity_username = ?", f.Username)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	var records []models.ActivityRecord
	if err := q.Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GlobalIdentity is one person seen across every monitored server,
// keyed by normalized username.
type GlobalIdentity struct {
	NormalizedUsername string                `json:"normalized_username"`
	ServerCount        int                   `json:"server_count"`
	Identities         []models.Identity     `json:"identities"`
	HighestClass       models.PrivilegeClass `json:"highest_class"`
}

// GetGlobalIdentities aggregates identities across servers by their
// normalized username.
func (s *SecurityService) GetGlobalIdentities() ([]GlobalIdentity, error) {
	var identities []models.Identity
	if err := models.DB.Where("kind = ?", models.KindLoginUser).
		Order("normalized_username, server_id").Find(&identities).Error; err != nil {
		return nil, err
	}

	var out []GlobalIdentity
	for _, id := range identities {
		if len(out) == 0 || out[len(out)-1].NormalizedUsername != id.NormalizedUsername {
			out = append(out, GlobalIdentity{NormalizedUsername: id.NormalizedUsername})
		}
		g := &out[len(out)-1]
		g.Identities = append(g.Identities, id)
		g.ServerCount = len(g.Identities)
		if classRank(id.PrivilegeClass) > classRank(g.HighestClass) {
			g.HighestClass = id.PrivilegeClass
		}
	}
	return out, nil
}

func classRank(c models.PrivilegeClass) int {
	switch c {
	case models.ClassSuperuser:
		return 3
	case models.ClassAdmin:
		return 2
	case models.ClassNormal:
		return 1
	default:
		return 0
	}
}

// Statistics is the dashboard rollup.
type Statistics struct {
	Servers          int64            `json:"servers"`
	ServersOnline    int64            `json:"servers_online"`
	Identities       int64            `json:"identities"`
	Superusers       int64            `json:"superusers"`
	UnresolvedEvents int64            `json:"unresolved_events"`
	EventsBySeverity map[string]int64 `json:"events_by_severity"`
	ScansLast24h     int64            `json:"scans_last_24h"`
	ActiveSessions   int64            `json:"active_sessions"`
}

func (s *SecurityService) GetStatistics() (*Statistics, error) {
	stats := &Statistics{EventsBySeverity: map[string]int64{}}

	models.DB.Model(&models.Server{}).Count(&stats.Servers)
	models.DB.Model(&models.Server{}).Where("status = ?", "online").Count(&stats.ServersOnline)
	models.DB.Model(&models.Identity{}).Where("kind = ?", models.KindLoginUser).Count(&stats.Identities)
	models.DB.Model(&models.Identity{}).
		Where("kind = ? AND privilege_class = ?", models.KindLoginUser, models.ClassSuperuser).
		Count(&stats.Superusers)
	models.DB.Model(&models.SecurityEvent{}).Where("resolved = ?", false).Count(&stats.UnresolvedEvents)

	type sevCount struct {
		Severity string
		N        int64
	}
	var rows []sevCount
	if err := models.DB.Model(&models.SecurityEvent{}).
		Select("severity, count(*) as n").
		Where("resolved = ?", false).
		Group("severity").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.EventsBySeverity[r.Severity] = r.N
	}

	since := time.Now().Add(-24 * time.Hour)
	models.DB.Model(&models.ScanHistory{}).Where("started_at > ?", since).Count(&stats.ScansLast24h)

	models.DB.Model(&models.Session{}).
		Where("expires_at > ? AND revoked = ?", time.Now(), false).
		Count(&stats.ActiveSessions)

	return stats, nil
}
