package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/forgeml/forge/internal/domain/provider"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/pkg/response"
)

// ProviderHandler manages team-scoped provider registrations and exposes
// cluster operations through the router.
type ProviderHandler struct {
	repo   provider.Repository
	router *providers.Router
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(repo provider.Repository, router *providers.Router) *ProviderHandler {
	return &ProviderHandler{repo: repo, router: router}
}

type createProviderRequest struct {
	Name   string                `json:"name" binding:"required"`
	Type   provider.ProviderType `json:"type" binding:"required"`
	Config map[string]any        `json:"config"`
}

// CreateProvider registers a provider for the caller's team. Names are
// unique per team.
func (h *ProviderHandler) CreateProvider(c *gin.Context) {
	var req createProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "unknown provider type: " + string(req.Type)})
		return
	}
	userID, teamID, ok := identity(c)
	if !ok {
		return
	}

	raw, err := json.Marshal(req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid config: " + err.Error()})
		return
	}

	rec := &provider.ComputeProvider{
		TeamID:    teamID,
		Name:      req.Name,
		Type:      req.Type,
		Config:    datatypes.JSON(raw),
		CreatedBy: userID,
	}
	if err := h.repo.Create(rec); err != nil {
		writeError(c, err)
		return
	}
	h.router.Reload()
	c.JSON(http.StatusCreated, response.SuccessResponse{Code: 0, Message: "created", Data: rec})
}

// ListProviders lists the caller team's registrations.
func (h *ProviderHandler) ListProviders(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	recs, err := h.repo.FindByTeam(teamID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: recs})
}

// DeleteProvider removes a registration and clears the client cache.
func (h *ProviderHandler) DeleteProvider(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.repo.FindByTeamAndName(teamID, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.repo.Delete(rec.ID); err != nil {
		writeError(c, err)
		return
	}
	h.router.Reload()
	c.JSON(http.StatusOK, response.MessageResponse{Message: "deleted"})
}

// ReloadProviders clears every cached client so changed credentials take
// effect.
func (h *ProviderHandler) ReloadProviders(c *gin.Context) {
	h.router.Reload()
	c.JSON(http.StatusOK, response.MessageResponse{Message: "reloaded"})
}

// GetClusterStatus proxies a status probe to the named provider.
func (h *ProviderHandler) GetClusterStatus(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	client, err := h.router.Resolve(c.Request.Context(), teamID, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	info, err := client.GetClusterStatus(c.Request.Context(), c.Query("cluster"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: info})
}

// GetClusterResources proxies a resource probe to the named provider.
func (h *ProviderHandler) GetClusterResources(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	client, err := h.router.Resolve(c.Request.Context(), teamID, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := client.GetClusterResources(c.Request.Context(), c.Query("cluster"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: res})
}
