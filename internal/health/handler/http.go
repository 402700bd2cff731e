package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTP mounts /healthz (liveness) and /readyz (database readiness) on r.
func (s *Server) RegisterHTTP(r gin.IRoutes) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if !s.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
