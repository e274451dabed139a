package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// ErrorHandler converts panics into 500 responses instead of dropping
// the connection.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in handler", "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(500, gin.H{"error": "Internal server error"})
			}
		}()

		c.Next()
	}
}
