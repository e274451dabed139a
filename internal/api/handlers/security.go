package handlers

import (
	"errors"
	"strconv"

	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

type SecurityHandler struct {
	security *services.SecurityService
}

func NewSecurityHandler(security *services.SecurityService) *SecurityHandler {
	return &SecurityHandler{security: security}
}

// GetEvents returns security events with optional filters
func (h *SecurityHandler) GetEvents(c *gin.Context) {
	filter := services.EventFilter{
		Severity:   c.Query("severity"),
		Unresolved: c.Query("unresolved") == "true",
	}
	if raw := c.Query("server_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid server_id"})
			return
		}
		filter.ServerID = uint(id)
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}

	events, err := h.security.GetEvents(filter)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get events", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"events": events})
}

// ResolveEvent acknowledges a security event
func (h *SecurityHandler) ResolveEvent(c *gin.Context) {
	resolvedBy := c.GetString("username")

	event, err := h.security.ResolveEvent(c.Param("event_id"), resolvedBy)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, event)
}

// GetActivity returns the change feed
func (h *SecurityHandler) GetActivity(c *gin.Context) {
	filter := services.ActivityFilter{
		Username: c.Query("username"),
		Action:   c.Query("action"),
	}
	if raw := c.Query("server_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid server_id"})
			return
		}
		filter.ServerID = uint(id)
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}

	records, err := h.security.GetActivity(filter)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get activity", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"activity": records})
}

// GetStatistics returns the dashboard rollup
func (h *SecurityHandler) GetStatistics(c *gin.Context) {
	stats, err := h.security.GetStatistics()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to compute statistics", "details": err.Error()})
		return
	}

	c.JSON(200, stats)
}
