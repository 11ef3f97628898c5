package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type levelKeyStore interface {
	ListMissingLevelKey(ctx context.Context, program string) ([]models.Student, error)
	UpdateLevelKey(ctx context.Context, id, levelKey string) error
}

// BackfillResult reports a level key backfill run.
type BackfillResult struct {
	Program    string   `json:"program"`
	Scanned    int      `json:"scanned"`
	Resolved   int      `json:"resolved"`
	Unresolved []string `json:"unresolved"`
	DryRun     bool     `json:"dry_run"`
}

// LevelBackfillService resolves free-text level labels onto a program's configured levels
// and stores the canonical key, so population lookups stop relying on label matching.
type LevelBackfillService struct {
	students levelKeyStore
	programs programLookup
	audit    auditWriter
	cache    *CacheService
	logger   *zap.Logger
}

// NewLevelBackfillService constructs the service. audit and cache may be nil.
func NewLevelBackfillService(students levelKeyStore, programs programLookup, audit auditWriter, cache *CacheService, logger *zap.Logger) *LevelBackfillService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelBackfillService{students: students, programs: programs, audit: audit, cache: cache, logger: logger}
}

// Backfill resolves every student of the program that has no level key yet. Ambiguous or
// unknown labels are left untouched and reported.
func (s *LevelBackfillService) Backfill(ctx context.Context, program string, dryRun bool, actorID string) (*BackfillResult, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "program is required")
	}
	prog, err := s.programs.Program(ctx, program)
	if err != nil {
		return nil, err
	}
	students, err := s.students.ListMissingLevelKey(ctx, program)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}

	result := &BackfillResult{Program: program, Scanned: len(students), Unresolved: []string{}, DryRun: dryRun}
	for _, st := range students {
		level, ok := reconcile.ResolveLevel(prog.Levels, st.Level)
		if !ok {
			result.Unresolved = append(result.Unresolved, st.ID)
			continue
		}
		result.Resolved++
		if dryRun {
			continue
		}
		if err := s.students.UpdateLevelKey(ctx, st.ID, reconcile.Normalize(level)); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store level key")
		}
	}

	s.logger.Info("level key backfill finished",
		zap.String("program", program),
		zap.Int("scanned", result.Scanned),
		zap.Int("resolved", result.Resolved),
		zap.Int("unresolved", len(result.Unresolved)),
		zap.Bool("dry_run", dryRun),
	)
	if dryRun || result.Resolved == 0 {
		return result, nil
	}

	_ = s.cache.Invalidate(ctx, PopulationCachePattern(program))
	if s.audit != nil {
		entry := &models.AuditLog{
			ID:        uuid.NewString(),
			Action:    models.AuditActionLevelBackfill,
			Resource:  "program",
			Summary:   fmt.Sprintf("Resolved level keys for %d of %d %s students", result.Resolved, result.Scanned, program),
			NewValues: marshalAudit(result),
			CreatedAt: time.Now().UTC(),
		}
		entry.ResourceID = &program
		if actorID != "" {
			entry.UserID = &actorID
		}
		if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
			s.logger.Warn("failed to record backfill audit", zap.Error(err))
		}
	}
	return result, nil
}
