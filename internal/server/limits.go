package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
)

func (s *Server) GetLimits(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))

	limits, err := s.limitssvc.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, limits)
}

// UpdateLimits persists limit changes. Enforcement picks them up on the
// next evaluation; an already-blocked app stays blocked until then.
func (s *Server) UpdateLimits(c *gin.Context) {
	var req limitsdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.UserID = strings.TrimSpace(c.Param("userId"))

	limits, err := s.limitssvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, limits)
}
