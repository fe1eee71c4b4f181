package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) TriggerMaintenanceJob(c *gin.Context) {
	job := strings.TrimSpace(c.Param("job"))
	if job == "" {
		AbortWithError(c, newValidationError("job", "required", "job is required"))
		return
	}

	if err := s.scheduler.Trigger(c.Request.Context(), job); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job, "status": "completed"})
}
