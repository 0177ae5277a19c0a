package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/iapsync/internal/appstore"
	appstoredomain "github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/audit"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	"github.com/smallbiznis/iapsync/internal/auth"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/authorization"
	"github.com/smallbiznis/iapsync/internal/cache"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/events"
	"github.com/smallbiznis/iapsync/internal/observability"
	obsmiddleware "github.com/smallbiznis/iapsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/iapsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/iapsync/internal/observability/tracing"
	"github.com/smallbiznis/iapsync/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	auth.Module,
	cache.Module,
	events.Module,
	ratelimit.Module,
	appstore.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{UntracedRoutes: obsCfg.UntracedRoutes}))
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

func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	authsvc    authdomain.Service
	authzSvc   authorization.Service
	reconciler appstoredomain.Reconciler
	verifier   appstoredomain.Verifier
	adminSvc   appstoredomain.AdminService
	auditSvc   auditdomain.Service
	guard      *ratelimit.AppStoreGuard
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Authsvc    authdomain.Service
	AuthzSvc   authorization.Service
	Reconciler appstoredomain.Reconciler
	Verifier   appstoredomain.Verifier
	AdminSvc   appstoredomain.AdminService
	AuditSvc   auditdomain.Service      `optional:"true"`
	Guard      *ratelimit.AppStoreGuard `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		authsvc:    p.Authsvc,
		authzSvc:   p.AuthzSvc,
		reconciler: p.Reconciler,
		verifier:   p.Verifier,
		adminSvc:   p.AdminSvc,
		auditSvc:   p.AuditSvc,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.RegisterAPIRoutes()
	s.RegisterAdminRoutes()
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- App Store --------
	api.POST("/apple-appstore/webhook", s.HandleAppStoreWebhook)
	api.POST("/apple-appstore/verify-purchase", s.BearerAuthRequired(), s.VerifyPurchaseRateLimit(), s.VerifyPurchase)

	// -------- Access tokens --------
	api.DELETE("/access-token", s.BearerAuthRequired(), s.RevokeAccessToken)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/api/v1/admin")
	admin.Use(s.BearerAuthRequired())

	// -------- App Store reference data --------
	appStore := admin.Group("/apple-appstore")
	appStore.GET("/products", s.authorizeAction(authorization.ObjectAppStoreProduct, authorization.ActionProductView), s.ListAppStoreProducts)
	appStore.PUT("/products/:product_id", s.authorizeAction(authorization.ObjectAppStoreProduct, authorization.ActionProductUpsert), s.UpsertAppStoreProduct)
	appStore.POST("/transaction-links", s.authorizeAction(authorization.ObjectTransactionLink, authorization.ActionLinkCreate), s.CreateTransactionLink)

	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
