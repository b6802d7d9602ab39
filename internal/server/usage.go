package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/metrics"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"go.uber.org/zap"
)

// ReportUsage ingests one absolute daily reading and immediately
// re-evaluates the user against their limits. A pass already running
// for the user drops ours; its inputs are at least as fresh.
func (s *Server) ReportUsage(c *gin.Context) {
	var req usagedomain.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.usagesvc.Report(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.metrics.IncEvaluation(metrics.TriggerReport)
	decision, err := s.engineSvc.Evaluate(c.Request.Context(), record.UserID, record.Day)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := s.blockerSvc.ApplyDecision(c.Request.Context(), decision); err != nil &&
		!errors.Is(err, blockerdomain.ErrEvaluationInFlight) {
		s.log.Warn("enforcement pass failed after usage report",
			zap.String("user_id", record.UserID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, gin.H{
		"record":  record,
		"blocked": decision.BlockedApps,
	})
}

func (s *Server) GetTodayUsage(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	day := strings.TrimSpace(c.Query("day"))
	if day == "" {
		day = s.clock.Now().UTC().Format(usagedomain.DayFormat)
	}

	minutes, err := s.usagesvc.MinutesForDay(c.Request.Context(), userID, day)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"day":     day,
		"minutes": minutes,
	})
}

func (s *Server) GetUsageRange(c *gin.Context) {
	req := usagedomain.RangeRequest{
		UserID:  strings.TrimSpace(c.Param("userId")),
		FromDay: strings.TrimSpace(c.Query("from")),
		ToDay:   strings.TrimSpace(c.Query("to")),
	}

	records, err := s.usagesvc.Range(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) GetUsageStats(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	days := 7
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		days = parsed
	}

	stats, err := s.usagesvc.Stats(c.Request.Context(), userID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
