package services

import (
	"context"
	"errors"
	"log/slog"

	"dbsentry/internal/adapter"
	"dbsentry/internal/models"
	"dbsentry/internal/secrets"

	"gorm.io/gorm"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrServerExists   = errors.New("server already registered")
)

// InventoryService manages the registry of monitored database servers.
// Connection passwords are sealed before they touch the store.
type InventoryService struct {
	box     *secrets.Box
	connect adapter.Factory
	log     *slog.Logger
}

func NewInventoryService(box *secrets.Box, connect adapter.Factory, log *slog.Logger) *InventoryService {
	if connect == nil {
		connect = adapter.Connect
	}
	return &InventoryService{box: box, connect: connect, log: log}
}

type ServerInput struct {
	Name        string        `json:"name" binding:"required"`
	Engine      models.Engine `json:"engine" binding:"required"`
	Host        string        `json:"host" binding:"required"`
	Port        int           `json:"port" binding:"required"`
	Username    string        `json:"username" binding:"required"`
	Password    string        `json:"password"`
	Database    string        `json:"database"`
	Environment string        `json:"environment"`
}

func (s *InventoryService) GetServers() ([]models.Server, error) {
	var servers []models.Server
	if err := models.DB.Order("name").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func (s *InventoryService) GetServer(id uint) (*models.Server, error) {
	var server models.Server
	if err := models.DB.First(&server, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return &server, nil
}

func (s *InventoryService) CreateServer(in ServerInput) (*models.Server, error) {
	if !in.Engine.Valid() {
		return nil, adapter.ErrUnknownEngine
	}

	var count int64
	models.DB.Model(&models.Server{}).Where("name = ?", in.Name).Count(&count)
	if count > 0 {
		return nil, ErrServerExists
	}

	sealed, err := s.box.Seal(in.Password)
	if err != nil {
		return nil, err
	}

	server := models.Server{
		Name:         in.Name,
		Engine:       in.Engine,
		Host:         in.Host,
		Port:         in.Port,
		Username:     in.Username,
		Password:     sealed,
		DatabaseName: in.Database,
		Environment:  in.Environment,
		Status:       "unknown",
	}
	if err := models.DB.Create(&server).Error; err != nil {
		return nil, err
	}

	s.log.Info("server registered", "server", server.Name, "engine", server.Engine)
	return &server, nil
}

func (s *InventoryService) UpdateServer(id uint, in ServerInput) (*models.Server, error) {
	server, err := s.GetServer(id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"name":          in.Name,
		"host":          in.Host,
		"port":          in.Port,
		"username":      in.Username,
		"database_name": in.Database,
		"environment":   in.Environment,
	}
	// Empty password means keep the existing credential
	if in.Password != "" {
		sealed, err := s.box.Seal(in.Password)
		if err != nil {
			return nil, err
		}
		updates["password"] = sealed
	}

	if err := models.DB.Model(server).Updates(updates).Error; err != nil {
		return nil, err
	}
	return server, nil
}

// DeleteServer removes a server and all records scoped to it.
func (s *InventoryService) DeleteServer(id uint) error {
	server, err := s.GetServer(id)
	if err != nil {
		return err
	}

	return models.DB.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.Identity{}, &models.Role{}, &models.ScanHistory{},
			&models.ActivityRecord{}, &models.SecurityEvent{}, &models.CommandLog{},
		} {
			if err := tx.Where("server_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(server).Error; err != nil {
			return err
		}
		s.log.Info("server removed", "server", server.Name)
		return nil
	})
}

// TestConnection opens a connection with the stored credential and pings it.
func (s *InventoryService) TestConnection(ctx context.Context, id uint) error {
	server, err := s.GetServer(id)
	if err != nil {
		return err
	}

	password, err := s.box.Open(server.Password)
	if err != nil {
		return err
	}

	// Connect probes the server; every factory verifies the session
	// before returning.
	conn, err := s.connect(ctx, adapter.Config{
		Engine:   server.Engine,
		Host:     server.Host,
		Port:     server.Port,
		Username: server.Username,
		Password: password,
		Database: server.DatabaseName,
	})
	if err != nil {
		models.DB.Model(server).Update("status", "unreachable")
		return err
	}
	conn.Close()

	models.DB.Model(server).Update("status", "online")
	return nil
}

// GetIdentities lists identities for one server.
func (s *InventoryService) GetIdentities(serverID uint) ([]models.Identity, error) {
	if _, err := s.GetServer(serverID); err != nil {
		return nil, err
	}
	var identities []models.Identity
	if err := models.DB.Where("server_id = ?", serverID).
		Order("normalized_username").Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

// GetRoles lists roles for one server.
func (s *InventoryService) GetRoles(serverID uint) ([]models.Role, error) {
	if _, err := s.GetServer(serverID); err != nil {
		return nil, err
	}
	var roles []models.Role
	if err := models.DB.Where("server_id = ?", serverID).
		Order("role_name").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}
