// Package bootstrap assembles the storage, cache and service graph shared by the API server
// and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/repository"
	"github.com/noah-isme/sma-finance-api/internal/service"
	"github.com/noah-isme/sma-finance-api/pkg/cache"
	"github.com/noah-isme/sma-finance-api/pkg/config"
	"github.com/noah-isme/sma-finance-api/pkg/database"
)

// Repositories groups the sqlx backed stores.
type Repositories struct {
	Students   *repository.StudentRepository
	Billing    *repository.BillingRepository
	Audit      *repository.AuditRepository
	Users      *repository.UserRepository
	FeeConfigs *repository.FeeConfigRepository
	Promotions *repository.PromotionRepository
	Cache      *repository.CacheRepository
}

// Services groups the domain services.
type Services struct {
	Metrics       *service.MetricsService
	Cache         *service.CacheService
	Auth          *service.AuthService
	FeeCatalog    *service.FeeCatalogService
	Drafts        *service.PromotionDraftService
	Commits       *service.PromotionCommitService
	FeeStructures *service.FeeStructureService
	Exports       *service.ExportService
	Accounts      *service.AccountService
	Backfill      *service.LevelBackfillService
}

// App owns every long lived resource of the process.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Repos    Repositories
	Services Services
}

// New connects to Postgres and, when enabled, Redis, then wires repositories and services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	rdb, err := cache.NewRedis(ctx, cfg.Redis, cfg.Cache.Enabled)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, DB: db, Redis: rdb}
	app.wire()
	return app, nil
}

func (a *App) wire() {
	cfg := a.Config
	validate := validator.New()

	var client redis.UniversalClient
	if a.Redis != nil {
		client = a.Redis
	}

	a.Repos = Repositories{
		Students:   repository.NewStudentRepository(a.DB),
		Billing:    repository.NewBillingRepository(a.DB),
		Audit:      repository.NewAuditRepository(a.DB),
		Users:      repository.NewUserRepository(a.DB),
		FeeConfigs: repository.NewFeeConfigRepository(a.DB),
		Promotions: repository.NewPromotionRepository(a.DB),
		Cache:      repository.NewCacheRepository(client, a.Logger.Named("cache")),
	}
	repos := a.Repos

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(repos.Cache, metrics, cfg.FeeStructures.ConfigCacheTTL, a.Logger.Named("cache"), cfg.Cache.Enabled)
	feeCatalog := service.NewFeeCatalogService(repos.FeeConfigs, cacheSvc, cfg.FeeStructures.ConfigCacheTTL, a.Logger.Named("fees"))

	drafts := service.NewPromotionDraftService(repos.Promotions, repos.Students, feeCatalog, cacheSvc, validate, a.Logger.Named("promotions"), service.PromotionDraftConfig{
		ActiveStatuses:     cfg.Promotions.ActiveStatuses,
		PopulationCacheTTL: cfg.Promotions.PopulationCacheTTL,
		GraduatedLabel:     cfg.Promotions.GraduatedLabel,
	})
	commits := service.NewPromotionCommitService(repos.Promotions, repos.Students, repos.Billing, feeCatalog, cacheSvc, a.Logger.Named("commit"),
		service.WithCommitMetrics(metrics))

	a.Services = Services{
		Metrics:    metrics,
		Cache:      cacheSvc,
		FeeCatalog: feeCatalog,
		Auth: service.NewAuthService(repos.Users, repos.Audit, validate, a.Logger.Named("auth"), service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			AccessTokenExpiry: cfg.JWT.Expiration,
			Issuer:            cfg.JWT.Issuer,
		}),
		Drafts:        drafts,
		Commits:       commits,
		FeeStructures: service.NewFeeStructureService(repos.FeeConfigs, drafts, repos.Students, repos.Billing, feeCatalog, cacheSvc, metrics, validate, a.Logger.Named("fee_structures")),
		Exports:       service.NewExportService(commits, a.Logger.Named("export"), nil, nil),
		Accounts:      service.NewAccountService(repos.Students, repos.Billing, repos.Audit, a.Logger.Named("accounts")),
		Backfill:      service.NewLevelBackfillService(repos.Students, feeCatalog, repos.Audit, cacheSvc, a.Logger.Named("backfill")),
	}
}

// RedisPinger adapts the optional Redis client to a readiness probe.
type RedisPinger struct {
	Client *redis.Client
}

// PingContext pings Redis.
func (p RedisPinger) PingContext(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Close releases the database and cache connections.
func (a *App) Close() error {
	var firstErr error
	if err := a.Repos.Cache.Close(); err != nil {
		firstErr = err
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
