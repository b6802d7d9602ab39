package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/focusgate/internal/metrics"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
)

func (s *Server) ListBlockedApps(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))

	blocked, err := s.blockerSvc.BlockedApps(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"blocked": blocked,
	})
}

func (s *Server) GetBlockState(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	appID := strings.TrimSpace(c.Param("appId"))

	blocked, err := s.blockerSvc.IsBlocked(c.Request.Context(), userID, appID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"app_id":  appID,
		"blocked": blocked,
	})
}

// EvaluateUser forces a fresh evaluation and enforcement pass. The
// device agent calls this on wake to catch anything it missed.
func (s *Server) EvaluateUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	day := strings.TrimSpace(c.Query("day"))
	if day == "" {
		day = s.clock.Now().UTC().Format(usagedomain.DayFormat)
	}

	s.metrics.IncEvaluation(metrics.TriggerPull)
	decision, err := s.engineSvc.Evaluate(c.Request.Context(), userID, day)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.blockerSvc.ApplyDecision(c.Request.Context(), decision)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
		"applied":  result,
	})
}
