package handlers

import (
	"errors"
	"strconv"

	"dbsentry/internal/adapter"
	"dbsentry/internal/commands"
	"dbsentry/internal/dialect"
	"dbsentry/internal/models"
	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

// IdentityHandler exposes the cross-server identity view and the
// command endpoints that mutate principals on remote engines.
type IdentityHandler struct {
	inventory *services.InventoryService
	security  *services.SecurityService
	generator *commands.Generator
}

func NewIdentityHandler(inventory *services.InventoryService, security *services.SecurityService, generator *commands.Generator) *IdentityHandler {
	return &IdentityHandler{
		inventory: inventory,
		security:  security,
		generator: generator,
	}
}

// GetGlobalIdentities returns identities aggregated across servers
func (h *IdentityHandler) GetGlobalIdentities(c *gin.Context) {
	identities, err := h.security.GetGlobalIdentities()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to aggregate identities", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"identities": identities, "count": len(identities)})
}

type CreateLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Host     string `json:"host"`
}

type SetPasswordRequest struct {
	Password string `json:"password" binding:"required"`
	Host     string `json:"host"`
}

type SetEnabledRequest struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
}

type SetClassRequest struct {
	Class models.PrivilegeClass `json:"class" binding:"required"`
	Host  string                `json:"host"`
}

type RoleMembershipRequest struct {
	Role string `json:"role" binding:"required"`
	Host string `json:"host"`
}

// CreateLogin provisions a login principal on the target server
func (h *IdentityHandler) CreateLogin(c *gin.Context) {
	var req CreateLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpCreateLogin,
		Username: req.Username,
		Password: req.Password,
		Host:     req.Host,
	})
}

// SetPassword rotates a principal's password
func (h *IdentityHandler) SetPassword(c *gin.Context) {
	var req SetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpSetPassword,
		Username: c.Param("username"),
		Password: req.Password,
		Host:     req.Host,
	})
}

// SetEnabled enables or disables a principal's ability to log in
func (h *IdentityHandler) SetEnabled(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpSetLoginEnabled,
		Username: c.Param("username"),
		Enabled:  req.Enabled,
		Host:     req.Host,
	})
}

// SetClass moves a principal between privilege classes
func (h *IdentityHandler) SetClass(c *gin.Context) {
	var req SetClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpSetPrivilegeClass,
		Username: c.Param("username"),
		Class:    req.Class,
		Host:     req.Host,
	})
}

// GrantRole grants a role to a principal
func (h *IdentityHandler) GrantRole(c *gin.Context) {
	var req RoleMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpGrantRole,
		Username: c.Param("username"),
		Role:     req.Role,
		Host:     req.Host,
	})
}

// RevokeRole revokes a role from a principal
func (h *IdentityHandler) RevokeRole(c *gin.Context) {
	var req RoleMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.apply(c, dialect.Op{
		Kind:     dialect.OpRevokeRole,
		Username: c.Param("username"),
		Role:     req.Role,
		Host:     req.Host,
	})
}

// apply runs one canonical op against the server in the route and maps
// the command-layer errors onto HTTP statuses.
func (h *IdentityHandler) apply(c *gin.Context, op dialect.Op) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	server, err := h.inventory.GetServer(uint(id))
	if err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}

	issuedBy := c.GetString("username")
	result, err := h.generator.Apply(c.Request.Context(), *server, op, issuedBy)
	if err != nil {
		var partial *adapter.PartialError
		switch {
		case errors.Is(err, dialect.ErrUnsupportedOnDialect):
			c.JSON(422, gin.H{"error": err.Error()})
		case errors.Is(err, dialect.ErrInvalidIdentifier):
			c.JSON(400, gin.H{"error": err.Error()})
		case errors.Is(err, commands.ErrRoleCycle):
			c.JSON(409, gin.H{"error": err.Error()})
		case errors.As(err, &partial):
			c.JSON(502, gin.H{
				"error":   err.Error(),
				"applied": partial.Applied,
				"total":   partial.Total,
			})
		case errors.Is(err, adapter.ErrAuthFailed), errors.Is(err, adapter.ErrPermissionDenied):
			c.JSON(502, gin.H{"error": err.Error()})
		case errors.Is(err, adapter.ErrTimeout), errors.Is(err, adapter.ErrConnectionLost):
			c.JSON(504, gin.H{"error": err.Error()})
		default:
			c.JSON(500, gin.H{"error": err.Error()})
		}
		return
	}

	resp := gin.H{
		"statements":    result.RedactedStatements,
		"transactional": result.Transactional,
	}
	if result.Warning != "" {
		resp["warning"] = result.Warning
	}
	c.JSON(200, resp)
}
