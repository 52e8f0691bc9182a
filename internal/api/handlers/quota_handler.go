package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	domain "github.com/forgeml/forge/internal/domain/quota"
	"github.com/forgeml/forge/internal/quota"
	"github.com/forgeml/forge/pkg/response"
)

// QuotaHandler exposes the ledger plus admin endpoints for setting
// allowances.
type QuotaHandler struct {
	ledger *quota.Ledger
	repo   domain.Repository
}

// NewQuotaHandler creates a new quota handler.
func NewQuotaHandler(ledger *quota.Ledger, repo domain.Repository) *QuotaHandler {
	return &QuotaHandler{ledger: ledger, repo: repo}
}

// GetStatus reports the caller's current quota position.
func (h *QuotaHandler) GetStatus(c *gin.Context) {
	userID, teamID, ok := identity(c)
	if !ok {
		return
	}
	st, err := h.ledger.GetStatus(userID, teamID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: st})
}

type setTeamQuotaRequest struct {
	TeamID              uint  `json:"team_id" binding:"required"`
	MonthlyQuotaMinutes int64 `json:"monthly_quota_minutes"`
}

// SetTeamQuota creates or updates a team's monthly allowance.
func (h *QuotaHandler) SetTeamQuota(c *gin.Context) {
	var req setTeamQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if req.MonthlyQuotaMinutes < 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "monthly_quota_minutes must be >= 0"})
		return
	}
	tq := &domain.TeamQuota{
		TeamID:              req.TeamID,
		MonthlyQuotaMinutes: req.MonthlyQuotaMinutes,
		CurrentPeriodStart:  monthStart(time.Now().UTC()),
	}
	if existing, err := h.repo.GetTeamQuota(req.TeamID); err == nil {
		tq.CurrentPeriodStart = existing.CurrentPeriodStart
		tq.CreatedAt = existing.CreatedAt
	}
	if err := h.repo.SaveTeamQuota(tq); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "saved", Data: tq})
}

type setUserOverrideRequest struct {
	UserID              uint  `json:"user_id" binding:"required"`
	TeamID              uint  `json:"team_id" binding:"required"`
	MonthlyQuotaMinutes int64 `json:"monthly_quota_minutes"`
}

// SetUserOverride grants a user extra minutes on top of the team quota.
func (h *QuotaHandler) SetUserOverride(c *gin.Context) {
	var req setUserOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	if req.MonthlyQuotaMinutes < 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "monthly_quota_minutes must be >= 0"})
		return
	}
	o := &domain.UserQuotaOverride{
		UserID:              req.UserID,
		TeamID:              req.TeamID,
		MonthlyQuotaMinutes: req.MonthlyQuotaMinutes,
		CurrentPeriodStart:  monthStart(time.Now().UTC()),
	}
	if existing, err := h.repo.GetUserOverride(req.UserID, req.TeamID); err == nil {
		o.ID = existing.ID
		o.CurrentPeriodStart = existing.CurrentPeriodStart
	}
	if err := h.repo.SaveUserOverride(o); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "saved", Data: o})
}

// ListUsage returns the committed usage rows of the caller's team for the
// current period, or for the period given as ?period=YYYY-MM.
func (h *QuotaHandler) ListUsage(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	tq, err := h.repo.GetTeamQuota(teamID)
	if err != nil {
		writeError(c, err)
		return
	}
	periodStart := tq.CurrentPeriodStart
	if p := c.Query("period"); p != "" {
		t, err := time.Parse("2006-01", p)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Error: "invalid period, want YYYY-MM"})
			return
		}
		periodStart = t.UTC()
	}
	rows, err := h.repo.ListTeamUsage(teamID, periodStart)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Code: 0, Message: "ok", Data: gin.H{
		"period_start": periodStart,
		"usage":        rows,
		"count":        len(rows),
	}})
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
