// Package server exposes the HTTP API: usage ingestion, limit
// configuration, block queries, emergency unlocks and the payment
// provider webhook.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	"github.com/smallbiznis/focusgate/internal/metrics"
	"github.com/smallbiznis/focusgate/internal/payment/webhook"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	usagesvc   usagedomain.Service
	limitssvc  limitsdomain.Service
	engineSvc  policydomain.Engine
	blockerSvc blockerdomain.Controller
	unlocksvc  unlockdomain.Coordinator
	refundsvc  refunddomain.Service
	webhooksvc *webhook.Service
	metrics    *metrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Usagesvc   usagedomain.Service
	Limitssvc  limitsdomain.Service
	EngineSvc  policydomain.Engine
	BlockerSvc blockerdomain.Controller
	Unlocksvc  unlockdomain.Coordinator
	Refundsvc  refunddomain.Service
	Webhooksvc *webhook.Service
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		clock:      p.Clock,
		usagesvc:   p.Usagesvc,
		limitssvc:  p.Limitssvc,
		engineSvc:  p.EngineSvc,
		blockerSvc: p.BlockerSvc,
		unlocksvc:  p.Unlocksvc,
		refundsvc:  p.Refundsvc,
		webhooksvc: p.Webhooksvc,
		metrics:    p.Metrics,
	}
}

func RegisterRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterWebhookRoutes()
	s.RegisterAdminRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Usage --------
	v1.POST("/usage", s.ReportUsage)
	v1.GET("/users/:userId/usage/today", s.GetTodayUsage)
	v1.GET("/users/:userId/usage", s.GetUsageRange)
	v1.GET("/users/:userId/usage/stats", s.GetUsageStats)

	// -------- Limits --------
	v1.GET("/users/:userId/limits", s.GetLimits)
	v1.PUT("/users/:userId/limits", s.UpdateLimits)

	// -------- Blocks --------
	v1.GET("/users/:userId/blocks", s.ListBlockedApps)
	v1.GET("/users/:userId/blocks/:appId", s.GetBlockState)
	v1.POST("/users/:userId/evaluate", s.EvaluateUser)

	// -------- Unlocks --------
	v1.POST("/unlocks", s.RequestUnlock)
	v1.GET("/users/:userId/payments", s.ListPayments)
	v1.GET("/users/:userId/refunds", s.ListRefundJobs)
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/v1/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/refunds/run", s.RunRefunds)
	admin.POST("/refunds/rederive", s.RederiveRefunds)
	admin.POST("/overrides/expire", s.ExpireOverrides)
}
