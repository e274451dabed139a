package services

import (
	"errors"

	"dbsentry/internal/models"

	"gorm.io/gorm"
)

// UserService manages local operator accounts.
type UserService struct {
	auth *AuthService
}

func NewUserService(auth *AuthService) *UserService {
	return &UserService{auth: auth}
}

// GetUsers returns all local operator accounts
func (s *UserService) GetUsers() ([]models.LocalUser, error) {
	var users []models.LocalUser
	if err := models.DB.Find(&users).Error; err != nil {
		return nil, err
	}

	// Clear credential material
	for i := range users {
		users[i].PasswordHash = ""
		users[i].Salt = ""
	}

	return users, nil
}

// GetUser returns a specific operator account by ID
func (s *UserService) GetUser(id uint) (*models.LocalUser, error) {
	var user models.LocalUser
	if err := models.DB.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.PasswordHash = ""
	user.Salt = ""
	return &user, nil
}

// UpdateUser updates role, active state, and fallback policy
func (s *UserService) UpdateUser(id uint, role string, active, localFallback bool) (*models.LocalUser, error) {
	var user models.LocalUser
	if err := models.DB.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	updates := map[string]interface{}{
		"role":           role,
		"active":         active,
		"local_fallback": localFallback,
	}
	if err := models.DB.Model(&user).Updates(updates).Error; err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	user.Salt = ""
	return &user, nil
}

// Unlock clears a user's lockout state ahead of the window elapsing
func (s *UserService) Unlock(id uint) error {
	result := models.DB.Model(&models.LocalUser{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_attempts": 0,
			"locked_until":    nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser removes an operator account
func (s *UserService) DeleteUser(id uint) error {
	result := models.DB.Delete(&models.LocalUser{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
