package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	"github.com/smallbiznis/recoup/internal/config"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/smallbiznis/recoup/internal/dunning/runner"
	obslogger "github.com/smallbiznis/recoup/internal/observability/logger"
	"github.com/smallbiznis/recoup/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	DunningSvc dunningdomain.Service
	Repo       dunningdomain.Repository
	Runner     *runner.Runner
	AuditSvc   auditdomain.Service `optional:"true"`
}

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	dunningSvc dunningdomain.Service
	repo       dunningdomain.Repository
	runner     *runner.Runner
	auditSvc   auditdomain.Service
	engine     *gin.Engine
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Logger:    log,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	engine.Use(metrics.GinMiddleware(metrics.HTTP()))
	return engine
}

func NewServer(p Params, engine *gin.Engine) *Server {
	return &Server{
		cfg:        p.Config,
		log:        p.Log.Named("server"),
		db:         p.DB,
		dunningSvc: p.DunningSvc,
		repo:       p.Repo,
		runner:     p.Runner,
		auditSvc:   p.AuditSvc,
		engine:     engine,
	}
}

func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")

	webhooks := api.Group("/webhooks")
	webhooks.POST("/charge-failed", s.ChargeFailed)
	webhooks.POST("/charge-succeeded", s.ChargeSucceeded)

	invoices := api.Group("/invoices")
	invoices.POST("/:id/retry", s.RetryInvoice)
	invoices.GET("/:id/attempts", s.ListRetryAttempts)

	subscriptions := api.Group("/subscriptions")
	subscriptions.POST("/:id/dunning/reset", s.ResetDunning)
	subscriptions.POST("/:id/dunning/cancel", s.CancelAfterRetries)
	subscriptions.GET("/:id/invoices", s.ListSubscriptionInvoices)
	subscriptions.GET("/:id/emails", s.ListDunningEmails)

	dunning := api.Group("/dunning")
	dunning.POST("/run", s.RunRetryBatch)
	dunning.GET("/due", s.ListDueInvoices)

	if !s.cfg.IsProduction() {
		api.POST("/test/cleanup", s.TestCleanup)
	}
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterAPIRoutes() }),
	fx.Invoke(RunHTTP),
)
