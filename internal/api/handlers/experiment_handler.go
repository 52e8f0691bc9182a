package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeml/forge/internal/domain/experiment"
	"github.com/forgeml/forge/internal/store"
	"github.com/forgeml/forge/pkg/response"
)

// ExperimentHandler serves experiment CRUD and the per-experiment jobs
// index.
type ExperimentHandler struct {
	experiments *store.ExperimentStore
	jobs        *store.JobStore
}

// NewExperimentHandler creates a new experiment handler.
func NewExperimentHandler(experiments *store.ExperimentStore, jobs *store.JobStore) *ExperimentHandler {
	return &ExperimentHandler{experiments: experiments, jobs: jobs}
}

type createExperimentRequest struct {
	ID     string         `json:"id"`
	Name   string         `json:"name" binding:"required"`
	Config map[string]any `json:"config"`
}

// CreateExperiment creates an experiment. The id is generated when the
// caller does not supply one.
func (h *ExperimentHandler) CreateExperiment(c *gin.Context) {
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	e := &experiment.Experiment{ID: req.ID, Name: req.Name, Config: req.Config}
	if err := h.experiments.Create(c.Request.Context(), e); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.SuccessResponse{Code: 0, Message: "created", Data: e})
}

// ListExperiments lists every experiment.
func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	list, err := h.experiments.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: list})
}

// GetExperiment returns one experiment.
func (h *ExperimentHandler) GetExperiment(c *gin.Context) {
	e, err := h.experiments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: e})
}

// DeleteExperiment removes an experiment document. Jobs that referenced it
// are kept; their experiment link simply dangles.
func (h *ExperimentHandler) DeleteExperiment(c *gin.Context) {
	if err := h.experiments.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "deleted"})
}

// GetJobsIndex returns the experiment's jobs-by-type index, rebuilding it
// from the job documents when missing or when ?rebuild=true.
func (h *ExperimentHandler) GetJobsIndex(c *gin.Context) {
	rebuild := c.Query("rebuild") == "true"
	idx, err := h.experiments.JobsIndex(c.Request.Context(), c.Param("id"), rebuild)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: idx})
}

// ListExperimentJobs lists the authoritative job documents of one
// experiment.
func (h *ExperimentHandler) ListExperimentJobs(c *gin.Context) {
	jobs, err := h.jobs.ListByExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: jobs})
}
