package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/pkg/api"
)

// createSession starts a new workflow run and returns the first rendered
// screen. Caller context missing from the body is taken from the request
func (s *Server) createSession(c *gin.Context) {
	req := &runtime.CreateRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}
	req.WorkflowID = api.SanitizeID(req.WorkflowID)
	if req.WorkflowID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  "workflow_id is required",
			Status: http.StatusBadRequest,
		})
		return
	}
	if req.CallerIP == "" {
		req.CallerIP = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	res, err := s.engine.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// stepSession advances a session with the caller's submitted input
func (s *Server) stepSession(c *gin.Context) {
	id := api.SessionID(c.Param("sessionID"))
	input := &runtime.StepInput{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(input); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  err.Error(),
				Status: http.StatusBadRequest,
			})
			return
		}
	}

	res, err := s.engine.Step(c.Request.Context(), id, input)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getSession reports a session's current state without advancing it
func (s *Server) getSession(c *gin.Context) {
	id := api.SessionID(c.Param("sessionID"))
	state, err := s.engine.Peek(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// getHistory returns the rendered history of a session
func (s *Server) getHistory(c *gin.Context) {
	id := api.SessionID(c.Param("sessionID"))
	history, err := s.engine.History(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"history":    history,
	})
}
