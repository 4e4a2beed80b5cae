package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waypost/engine"
)

var startedAt = time.Now()

// handleHealth reports process liveness and basic identity
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": engine.Name,
		"version": engine.Version,
		"uptime":  time.Since(startedAt).Round(time.Second).String(),
	})
}
