package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
)

// RequestUnlock charges the user and grants a temporary override on
// success. The client-generated request id makes retries safe.
func (s *Server) RequestUnlock(c *gin.Context) {
	var req unlockdomain.RequestUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.unlocksvc.RequestUnlock(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) ListPayments(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))

	payments, err := s.unlocksvc.Payments(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (s *Server) ListRefundJobs(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))

	jobs, err := s.refundsvc.Jobs(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund_jobs": jobs})
}
