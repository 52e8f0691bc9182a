package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeml/forge/internal/domain/task"
	"github.com/forgeml/forge/internal/store"
	"github.com/forgeml/forge/pkg/response"
)

// TaskHandler serves launch-template CRUD.
type TaskHandler struct {
	tasks *store.TaskStore
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(tasks *store.TaskStore) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

type createTaskRequest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name" binding:"required"`
	Type         string         `json:"type"`
	Plugin       string         `json:"plugin"`
	Inputs       map[string]any `json:"inputs"`
	Config       map[string]any `json:"config"`
	Outputs      map[string]any `json:"outputs"`
	ExperimentID string         `json:"experiment_id"`
	RemoteTask   bool           `json:"remote_task"`
}

// CreateTask creates a reusable launch template.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t := &task.Task{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		Plugin:       req.Plugin,
		Inputs:       req.Inputs,
		Config:       req.Config,
		Outputs:      req.Outputs,
		ExperimentID: req.ExperimentID,
		RemoteTask:   req.RemoteTask,
	}
	if err := h.tasks.Create(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.SuccessResponse{Code: 0, Message: "created", Data: t})
}

// ListTasks lists every template.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	list, err := h.tasks.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: list})
}

// GetTask returns one template.
func (h *TaskHandler) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: t})
}

// UpdateTask replaces a template's mutable fields. Jobs already launched
// from it are not touched.
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	t.Name = req.Name
	t.Type = req.Type
	t.Plugin = req.Plugin
	t.Inputs = req.Inputs
	t.Config = req.Config
	t.Outputs = req.Outputs
	t.ExperimentID = req.ExperimentID
	t.RemoteTask = req.RemoteTask
	if err := h.tasks.Save(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "updated", Data: t})
}

// DeleteTask removes a template.
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.MessageResponse{Message: "deleted"})
}
