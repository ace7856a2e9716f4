package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditgate/internal/cache"
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	"github.com/smallbiznis/creditgate/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditgate/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
	"github.com/smallbiznis/creditgate/internal/provider"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	costs       *config.CostConfigHolder
	metering    meteringdomain.Service
	payments    paymentdomain.Service
	jobs        jobdomain.Service
	provider    provider.Client
	cache       *cache.ProductCache
	provLimiter *ratelimit.ProviderLimiter
	userLimiter *ratelimit.UserLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Costs       *config.CostConfigHolder
	Metering    meteringdomain.Service
	Payments    paymentdomain.Service
	Jobs        jobdomain.Service
	Provider    provider.Client
	Cache       *cache.ProductCache
	ProvLimiter *ratelimit.ProviderLimiter
	UserLimiter *ratelimit.UserLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		costs:       p.Costs,
		metering:    p.Metering,
		payments:    p.Payments,
		jobs:        p.Jobs,
		provider:    p.Provider,
		cache:       p.Cache,
		provLimiter: p.ProvLimiter,
		userLimiter: p.UserLimiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	v1.POST("/query", s.UserRateLimit(), s.Query)
	v1.POST("/bulk-jobs", s.UserRateLimit(), s.SubmitBulkJob)
	v1.GET("/jobs/:job_id", s.GetJob)
	v1.POST("/jobs/:job_id/cancel", s.CancelJob)

	v1.GET("/balance", s.GetBalance)
	v1.GET("/transactions", s.ListTransactions)
}

func (s *Server) registerWebhookRoutes() {
	// Authenticated by HMAC signature, not API key.
	s.engine.POST("/webhooks/payment", s.HandlePaymentWebhook)
}
