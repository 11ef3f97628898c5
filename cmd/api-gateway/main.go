package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-finance-api/api/swagger"
	"github.com/noah-isme/sma-finance-api/internal/bootstrap"
	"github.com/noah-isme/sma-finance-api/internal/handler"
	"github.com/noah-isme/sma-finance-api/internal/middleware"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/pkg/config"
	"github.com/noah-isme/sma-finance-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-finance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-finance-api/pkg/middleware/requestid"
)

// @title SMA Finance API
// @version 1.0.0
// @description Term transition and fee reconciliation for student accounts
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to bootstrap", zap.Error(err))
	}
	defer app.Close() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}

func newRouter(app *bootstrap.App) *gin.Engine {
	cfg := app.Config
	svcs := app.Services

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(app.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(svcs.Metrics))
	r.Use(middleware.WithResponseMeta())

	checks := map[string]handler.Pinger{"database": app.DB}
	if app.Redis != nil {
		checks["redis"] = bootstrap.RedisPinger{Client: app.Redis}
	}
	metricsHandler := handler.NewMetricsHandler(svcs.Metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	authHandler := handler.NewAuthHandler(svcs.Auth)
	api.POST("/auth/login", authHandler.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(svcs.Auth))
	secured.GET("/auth/me", authHandler.Me)

	finance := secured.Group("")
	finance.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleBursar))
	finance.GET("/metrics/snapshot", metricsHandler.Snapshot)

	accountHandler := handler.NewAccountHandler(svcs.Accounts)
	finance.GET("/students/:id/statement", accountHandler.Statement)

	if cfg.Promotions.Enabled {
		promotionHandler := handler.NewPromotionHandler(svcs.Drafts, svcs.Commits, svcs.Exports)
		audited := func(action string) gin.HandlerFunc {
			return middleware.Audit(app.Repos.Audit, action, "promotion_batch", "id")
		}
		draft := audited(models.AuditActionPromotionDraft)

		promotions := finance.Group("/promotions")
		promotions.GET("/population", promotionHandler.Population)
		promotions.POST("/batches", promotionHandler.CreateBatch)
		promotions.GET("/batches", promotionHandler.ListBatches)
		promotions.GET("/batches/:id", promotionHandler.GetBatch)
		promotions.GET("/batches/:id/audit", accountHandler.BatchTrail)
		promotions.POST("/batches/:id/groups", draft, promotionHandler.CreateGroup)
		promotions.PUT("/batches/:id/groups/:groupId", draft, promotionHandler.UpdateGroup)
		promotions.DELETE("/batches/:id/groups/:groupId", draft, promotionHandler.DeleteGroup)
		promotions.POST("/batches/:id/assignments/remaining", draft, promotionHandler.AssignRemaining)
		promotions.PUT("/batches/:id/assignments/:studentId", draft, promotionHandler.Assign)
		promotions.DELETE("/batches/:id/assignments/:studentId", draft, promotionHandler.Unassign)
		promotions.POST("/batches/:id/validate", promotionHandler.Validate)
		promotions.POST("/batches/:id/persist", draft, promotionHandler.Persist)
		promotions.GET("/batches/:id/preview", promotionHandler.Preview)
		promotions.GET("/batches/:id/preview/export", promotionHandler.ExportPreview)
		promotions.POST("/batches/:id/commit", promotionHandler.Commit)
	}

	if cfg.FeeStructures.Enabled {
		feeHandler := handler.NewFeeStructureHandler(svcs.FeeStructures, svcs.FeeCatalog)
		finance.GET("/fee-structures", feeHandler.List)
		finance.POST("/fee-structures/apply", feeHandler.Apply)
	}

	return r
}
