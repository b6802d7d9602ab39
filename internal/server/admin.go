package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func adminBatchSize(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("batch_size"))
	if raw == "" {
		return 100, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return parsed, true
}

// RunRefunds executes mature refund jobs outside the scheduler cadence,
// for operational intervention.
func (s *Server) RunRefunds(c *gin.Context) {
	batchSize, ok := adminBatchSize(c)
	if !ok {
		return
	}

	result, err := s.refundsvc.ProcessDue(c.Request.Context(), batchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) RederiveRefunds(c *gin.Context) {
	batchSize, ok := adminBatchSize(c)
	if !ok {
		return
	}

	created, err := s.refundsvc.Rederive(c.Request.Context(), batchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (s *Server) ExpireOverrides(c *gin.Context) {
	batchSize, ok := adminBatchSize(c)
	if !ok {
		return
	}

	expired, err := s.blockerSvc.ExpireDueOverrides(c.Request.Context(), batchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": expired})
}
