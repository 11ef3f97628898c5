package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type feeConfigReader interface {
	FindByLevelKey(ctx context.Context, program, levelKey string) (*models.FeeConfiguration, error)
	ListByProgram(ctx context.Context, program string) ([]models.FeeConfiguration, error)
	ListCatalog(ctx context.Context) ([]models.ServiceCatalogItem, error)
	FindProgram(ctx context.Context, name string) (*models.Program, error)
}

// FeeCatalogService is the read side of the fee configuration store, cached in Redis.
type FeeCatalogService struct {
	repo   feeConfigReader
	cache  *CacheService
	ttl    time.Duration
	logger *zap.Logger
}

// NewFeeCatalogService constructs the service. cache may be nil.
func NewFeeCatalogService(repo feeConfigReader, cache *CacheService, ttl time.Duration, logger *zap.Logger) *FeeCatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeeCatalogService{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// Configuration returns the fee configuration of a program level, or nil when none exists.
func (s *FeeCatalogService) Configuration(ctx context.Context, program, level string) (*models.FeeConfiguration, error) {
	key := reconcile.Normalize(level)
	cfg, _, err := remember(ctx, s.cache, FeeConfigCacheKey(program, key), s.ttl, func() (*models.FeeConfiguration, error) {
		cfg, err := s.repo.FindByLevelKey(ctx, program, key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return cfg, err
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load fee configuration")
	}
	if cfg == nil {
		s.logger.Info("no fee configuration for level", zap.String("program", program), zap.String("level", level))
	}
	return cfg, nil
}

// ListConfigurations returns every configured level of a program, uncached.
func (s *FeeCatalogService) ListConfigurations(ctx context.Context, program string) ([]models.FeeConfiguration, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "program is required")
	}
	configs, err := s.repo.ListByProgram(ctx, program)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list fee configurations")
	}
	if configs == nil {
		configs = []models.FeeConfiguration{}
	}
	return configs, nil
}

// Catalog returns the active service catalog indexed by id.
func (s *FeeCatalogService) Catalog(ctx context.Context) (models.ServiceCatalog, error) {
	catalog, _, err := remember(ctx, s.cache, cacheKeyCatalog, s.ttl, func() (models.ServiceCatalog, error) {
		items, err := s.repo.ListCatalog(ctx)
		if err != nil {
			return nil, err
		}
		catalog := make(models.ServiceCatalog, len(items))
		for _, item := range items {
			catalog[item.ID] = item
		}
		return catalog, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load service catalog")
	}
	return catalog, nil
}

// Program returns a program's ordered level list.
func (s *FeeCatalogService) Program(ctx context.Context, name string) (*models.Program, error) {
	program, _, err := remember(ctx, s.cache, fmtProgramKey(name), s.ttl, func() (*models.Program, error) {
		return s.repo.FindProgram(ctx, name)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "program not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load program")
	}
	return program, nil
}

// Invalidate drops cached fee lookups for a program level and the catalog.
func (s *FeeCatalogService) Invalidate(ctx context.Context, program, level string) {
	_ = s.cache.Invalidate(ctx, FeeConfigCacheKey(program, reconcile.Normalize(level)))
	_ = s.cache.Invalidate(ctx, cacheKeyCatalog)
}
