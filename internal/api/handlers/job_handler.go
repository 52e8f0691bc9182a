package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appjob "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/application/sweep"
	"github.com/forgeml/forge/pkg/response"
)

// JobHandler handles job-related HTTP endpoints.
type JobHandler struct {
	svc          *appjob.Service
	sweeps       *sweep.Service
	workspaceDir string
}

// NewJobHandler creates a new job handler.
func NewJobHandler(svc *appjob.Service, sweeps *sweep.Service, workspaceDir string) *JobHandler {
	return &JobHandler{svc: svc, sweeps: sweeps, workspaceDir: workspaceDir}
}

// LaunchJob handles job creation and dispatch. Requests carrying a sweep
// config fan out through the sweep orchestrator instead.
func (h *JobHandler) LaunchJob(c *gin.Context) {
	var req appjob.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	userID, teamID, ok := identity(c)
	if !ok {
		return
	}

	if len(req.SweepConfig) > 0 {
		parent, err := h.sweeps.Launch(c.Request.Context(), userID, teamID, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, response.SuccessResponse{Code: 0, Message: "sweep launched", Data: parent})
		return
	}

	j, err := h.svc.Launch(c.Request.Context(), userID, teamID, req)
	if err != nil && j == nil {
		writeError(c, err)
		return
	}
	// a quota-denied launch still yields a FAILED job the caller can see
	c.JSON(http.StatusCreated, response.SuccessResponse{Code: 0, Message: "launched", Data: j})
}

// ListJobs lists all jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: jobs})
}

// GetJob returns one job document.
func (h *JobHandler) GetJob(c *gin.Context) {
	j, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: j})
}

// StopJob stops a queued or running job.
func (h *JobHandler) StopJob(c *gin.Context) {
	if err := h.svc.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "stopped"})
}

// DeleteJob removes a job document on explicit user action.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "deleted"})
}

// BulkDeleteJobs removes a list of job documents.
func (h *JobHandler) BulkDeleteJobs(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	for _, id := range req.IDs {
		if err := h.svc.Delete(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "deleted"})
}

// GetCheckpoints lists resolved checkpoints for a training job.
func (h *JobHandler) GetCheckpoints(c *gin.Context) {
	checkpoints, err := h.svc.ListCheckpoints(c.Request.Context(), c.Param("id"), h.workspaceDir)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: checkpoints})
}

// EvaluateSweep forces winner re-evaluation for a sweep parent.
func (h *JobHandler) EvaluateSweep(c *gin.Context) {
	if err := h.sweeps.Evaluate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "evaluated"})
}
