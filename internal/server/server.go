// Package server exposes the engine over HTTP: session creation and
// stepping, workflow authoring, and a websocket event stream
package server

import (
	"errors"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/waypost/engine/internal/event"
	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/pkg/api"
)

type (
	// Server implements the HTTP API for the engine
	Server struct {
		engine *runtime.Engine
		defs   *runtime.Definitions
		hub    *event.Hub
	}

	// ErrorResponse is the JSON shape of every error reply
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
)

// NewServer creates the HTTP API server
func NewServer(
	eng *runtime.Engine, defs *runtime.Definitions, hub *event.Hub,
) *Server {
	return &Server{
		engine: eng,
		defs:   defs,
		hub:    hub,
	}
}

// SetupRoutes configures and returns the HTTP router with all API
// endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)

	session := router.Group("/session")
	{
		session.POST("", s.createSession)
		session.POST("/:sessionID/step", s.stepSession)
		session.GET("/:sessionID", s.getSession)
		session.GET("/:sessionID/history", s.getHistory)
		session.GET("/:sessionID/ws", s.handleWebSocket)
	}

	workflow := router.Group("/workflow")
	{
		workflow.PUT("/:workflowID", s.upsertWorkflow)
		workflow.GET("/:workflowID", s.getWorkflow)
	}

	router.GET("/ws", s.handleWebSocket)

	return router
}

// fail maps engine errors onto HTTP statuses
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, api.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, api.ErrDefinitionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrInvalidVariableName),
		errors.Is(err, api.ErrReservedVariable):
		status = http.StatusBadRequest
	}
	c.JSON(status, ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}
