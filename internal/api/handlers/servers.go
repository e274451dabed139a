package handlers

import (
	"errors"
	"strconv"

	"dbsentry/internal/scanner"
	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

type ServerHandler struct {
	inventory *services.InventoryService
	scanner   *scanner.Scanner
}

func NewServerHandler(inventory *services.InventoryService, sc *scanner.Scanner) *ServerHandler {
	return &ServerHandler{
		inventory: inventory,
		scanner:   sc,
	}
}

// GetServers returns all registered servers
func (h *ServerHandler) GetServers(c *gin.Context) {
	servers, err := h.inventory.GetServers()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get servers", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"servers": servers})
}

// GetServer returns a specific server
func (h *ServerHandler) GetServer(c *gin.Context) {
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

	c.JSON(200, server)
}

// CreateServer registers a server for monitoring
func (h *ServerHandler) CreateServer(c *gin.Context) {
	var req services.ServerInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	server, err := h.inventory.CreateServer(req)
	if err != nil {
		if errors.Is(err, services.ErrServerExists) {
			c.JSON(409, gin.H{"error": err.Error()})
			return
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(201, server)
}

// UpdateServer updates server connection details
func (h *ServerHandler) UpdateServer(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	var req services.ServerInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	server, err := h.inventory.UpdateServer(uint(id), req)
	if err != nil {
		if errors.Is(err, services.ErrServerNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, server)
}

// DeleteServer removes a server and everything scoped to it
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	if err := h.inventory.DeleteServer(uint(id)); err != nil {
		if errors.Is(err, services.ErrServerNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"message": "Server deleted successfully"})
}

// TestConnection probes the server with its stored credential
func (h *ServerHandler) TestConnection(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	if err := h.inventory.TestConnection(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, services.ErrServerNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(502, gin.H{"error": "Connection failed", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"message": "Connection successful"})
}

// TriggerScan starts a scan of one server
func (h *ServerHandler) TriggerScan(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	scan, err := h.scanner.ScanServer(c.Request.Context(), uint(id), scanner.ScanTypeManual)
	if err != nil {
		if errors.Is(err, scanner.ErrScanInProgress) {
			c.JSON(409, gin.H{"error": err.Error()})
			return
		}
		// A failed scan still leaves a history row the caller can inspect
		if scan != nil {
			c.JSON(502, gin.H{"error": err.Error(), "scan": scan})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, scan)
}

// ScanAll scans every registered server concurrently
func (h *ServerHandler) ScanAll(c *gin.Context) {
	outcomes := h.scanner.ScanAll(c.Request.Context(), scanner.ScanTypeManual)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}

	c.JSON(200, gin.H{"scanned": len(outcomes), "failed": failed})
}

// GetIdentities lists the identities found on one server
func (h *ServerHandler) GetIdentities(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	identities, err := h.inventory.GetIdentities(uint(id))
	if err != nil {
		if errors.Is(err, services.ErrServerNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"identities": identities})
}

// GetRoles lists the roles found on one server
func (h *ServerHandler) GetRoles(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid server ID"})
		return
	}

	roles, err := h.inventory.GetRoles(uint(id))
	if err != nil {
		if errors.Is(err, services.ErrServerNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"roles": roles})
}
