package handlers

import (
	"strconv"

	"dbsentry/internal/models"

	"github.com/gin-gonic/gin"
)

type ScanHandler struct{}

func NewScanHandler() *ScanHandler {
	return &ScanHandler{}
}

// GetScans returns scan history, newest first
func (h *ScanHandler) GetScans(c *gin.Context) {
	q := models.DB.Order("started_at DESC")

	if serverID := c.Query("server_id"); serverID != "" {
		id, err := strconv.ParseUint(serverID, 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid server_id"})
			return
		}
		q = q.Where("server_id = ?", uint(id))
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var scans []models.ScanHistory
	if err := q.Limit(limit).Find(&scans).Error; err != nil {
		c.JSON(500, gin.H{"error": "Failed to get scans", "details": err.Error()})
		return
	}

	c.JSON(200, gin.H{"scans": scans})
}

// GetScan returns one scan run by its run ID
func (h *ScanHandler) GetScan(c *gin.Context) {
	var scan models.ScanHistory
	if err := models.DB.Where("run_id = ?", c.Param("run_id")).First(&scan).Error; err != nil {
		c.JSON(404, gin.H{"error": "Scan not found"})
		return
	}

	c.JSON(200, scan)
}
