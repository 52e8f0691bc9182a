package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appjob "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/pkg/response"
)

// ReportHandler receives the narrow reporting channel from remote workers:
// live status marks from the command wrapper, progress updates, and metric
// values. Reporting failures degrade gracefully and never fail the job.
type ReportHandler struct {
	svc *appjob.Service
}

// NewReportHandler creates a new report handler.
func NewReportHandler(svc *appjob.Service) *ReportHandler {
	return &ReportHandler{svc: svc}
}

// ReportLiveStatus records a started/finished/crashed mark from inside the
// remote command.
func (h *ReportHandler) ReportLiveStatus(c *gin.Context) {
	var req struct {
		LiveStatus string `json:"live_status" binding:"required"`
		Details    string `json:"details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if err := h.svc.Report(c.Request.Context(), c.Param("id"), job.LiveStatus(req.LiveStatus), req.Details); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "recorded"})
}

// ReportProgress records percent completion. A report against a terminal
// job is accepted and ignored.
func (h *ReportHandler) ReportProgress(c *gin.Context) {
	var req struct {
		Progress int `json:"progress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if err := h.svc.UpdateProgress(c.Request.Context(), c.Param("id"), req.Progress); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "recorded"})
}

// ReportMetrics merges metric values into the job document; sweeps read
// them for winner selection.
func (h *ReportHandler) ReportMetrics(c *gin.Context) {
	var req struct {
		Metrics map[string]float64 `json:"metrics" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if err := h.svc.ReportMetrics(c.Request.Context(), c.Param("id"), req.Metrics); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "recorded"})
}
