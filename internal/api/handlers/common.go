package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/pkg/response"
)

// identity reads the caller identity injected by the auth layer in front of
// this service. Authentication itself is out of scope here.
func identity(c *gin.Context) (userID, teamID uint, ok bool) {
	uid, err1 := strconv.ParseUint(c.GetHeader("X-User-ID"), 10, 32)
	tid, err2 := strconv.ParseUint(c.GetHeader("X-Team-ID"), 10, 32)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Error: "missing caller identity"})
		return 0, 0, false
	}
	return uint(uid), uint(tid), true
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		quotaErr      *apperr.QuotaExceededError
		configErr     *apperr.ProviderConfigError
		callErr       *apperr.ProviderCallFailedError
		transitionErr *apperr.InvalidTransitionError
	)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, response.ErrorResponse{Error: err.Error()})
	case errors.Is(err, apperr.ErrAlreadyExists):
		c.JSON(http.StatusConflict, response.ErrorResponse{Error: err.Error()})
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusForbidden, response.ErrorResponse{Error: err.Error()})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, response.ErrorResponse{Error: err.Error()})
	case errors.As(err, &configErr):
		c.JSON(http.StatusBadGateway, response.ErrorResponse{Error: err.Error()})
	case errors.As(err, &callErr):
		c.JSON(http.StatusBadGateway, response.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Error: err.Error()})
	}
}
