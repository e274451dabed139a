package handlers

import (
	"errors"

	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService *services.AuthService
	sessions    *services.SessionStore
}

func NewAuthHandler(authService *services.AuthService, sessions *services.SessionStore) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		sessions:    sessions,
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates against the directory first, then the local
// fallback, and returns a bearer token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Username, req.Password,
		c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		var locked *services.LockedError
		switch {
		case errors.As(err, &locked):
			c.JSON(423, gin.H{"error": "Account locked", "locked_until": locked.Until})
		case errors.Is(err, services.ErrInvalidCredentials):
			c.JSON(401, gin.H{"error": "Invalid credentials"})
		default:
			c.JSON(500, gin.H{"error": "Authentication failed"})
		}
		return
	}

	c.JSON(200, result)
}

// Logout revokes the presented session token
func (h *AuthHandler) Logout(c *gin.Context) {
	token, exists := c.Get("token")
	if !exists {
		c.JSON(401, gin.H{"error": "Not authenticated"})
		return
	}

	if err := h.sessions.Revoke(token.(string)); err != nil {
		c.JSON(500, gin.H{"error": "Failed to logout"})
		return
	}

	c.JSON(200, gin.H{"message": "Logged out successfully"})
}

// GetMe returns the authenticated subject and role
func (h *AuthHandler) GetMe(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(401, gin.H{"error": "Not authenticated"})
		return
	}
	role, _ := c.Get("role")

	c.JSON(200, gin.H{"username": username, "role": role})
}

// GetSessions lists live sessions for the session admin view
func (h *AuthHandler) GetSessions(c *gin.Context) {
	sessions, err := h.sessions.ActiveSessions()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to list sessions"})
		return
	}
	c.JSON(200, gin.H{"sessions": sessions, "count": len(sessions)})
}
