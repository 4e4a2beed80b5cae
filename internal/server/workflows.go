package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/pkg/api"
)

// upsertWorkflow replaces a workflow definition. The path id wins over
// whatever the body claims
func (s *Server) upsertWorkflow(c *gin.Context) {
	def := &store.WorkflowDef{}
	if err := c.ShouldBindJSON(def); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusBadRequest,
		})
		return
	}
	if def.Workflow == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  "workflow is required",
			Status: http.StatusBadRequest,
		})
		return
	}
	wid := api.SanitizeID(api.WorkflowID(c.Param("workflowID")))
	if wid == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  "workflow id is empty after sanitizing",
			Status: http.StatusBadRequest,
		})
		return
	}
	def.Workflow.ID = wid

	if err := s.defs.UpsertWorkflow(c.Request.Context(), def); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflow_id": def.Workflow.ID,
		"blocks":      len(def.Blocks),
	})
}

// getWorkflow returns the runtime view of a workflow definition
func (s *Server) getWorkflow(c *gin.Context) {
	wid := api.SanitizeID(api.WorkflowID(c.Param("workflowID")))
	wf, err := s.defs.GetWorkflow(c.Request.Context(), wid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}
