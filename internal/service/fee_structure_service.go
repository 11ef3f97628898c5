package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

const reconcileSourceFeeStructure = "fee_structure"

type feeStructureStore interface {
	ApplyStructure(ctx context.Context, plan *models.FeeStructurePlan) error
}

type populationLoader interface {
	LoadPopulation(ctx context.Context, program, level string) ([]models.Student, error)
}

type feeCatalog interface {
	Catalog(ctx context.Context) (models.ServiceCatalog, error)
	Program(ctx context.Context, name string) (*models.Program, error)
	Invalidate(ctx context.Context, program, level string)
}

// FeeStructureService replaces a level's fee structure and re-bills the students already at it.
type FeeStructureService struct {
	store      feeStructureStore
	population populationLoader
	students   studentReader
	ledgers    ledgerReader
	fees       feeCatalog
	cache      *CacheService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewFeeStructureService constructs the service.
// The population only selects ids; students reads the rows that are recomputed and written back.
func NewFeeStructureService(store feeStructureStore, population populationLoader, students studentReader, ledgers ledgerReader, fees feeCatalog, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *FeeStructureService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &FeeStructureService{
		store:      store,
		population: population,
		students:   students,
		ledgers:    ledgers,
		fees:       fees,
		cache:      cache,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		now:        time.Now,
	}
}

// Apply stores the structure and recomputes every active student at the level in one transaction.
func (s *FeeStructureService) Apply(ctx context.Context, req models.FeeStructureRequest, actorID string) (*models.FeeStructureResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid fee structure payload")
	}
	if req.Tuition.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "tuition cannot be negative")
	}

	program, err := s.fees.Program(ctx, strings.TrimSpace(req.Program))
	if err != nil {
		return nil, err
	}
	level, ok := reconcile.ResolveLevel(program.Levels, req.Level)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "level "+req.Level+" is not part of program "+program.Name)
	}

	at := s.now().UTC()
	cfg := models.FeeConfiguration{
		Program:      program.Name,
		Level:        level,
		LevelKey:     reconcile.Normalize(level),
		Tuition:      req.Tuition,
		Services:     pq.StringArray(dedupe(req.Services)),
		Requirements: models.RequiredItems(req.Requirements),
		UpdatedAt:    at,
	}

	catalog, err := s.fees.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	result := &models.FeeStructureResult{Students: []models.FeeStructureStudentResult{}}
	for _, id := range cfg.Services {
		if item, ok := catalog[id]; !ok || item.Cost.IsNegative() {
			result.SkippedServices = append(result.SkippedServices, id)
		}
	}
	students, err := s.freshPopulation(ctx, program.Name, level, cfg.LevelKey)
	if err != nil {
		return nil, err
	}
	ledgers, err := s.ledgers.Ledgers(ctx, students)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledgers")
	}

	reference := fmt.Sprintf("fee structure update %s", at.Format("2006-01-02"))
	plan := &models.FeeStructurePlan{Configuration: cfg}
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	for _, st := range students {
		res := reconcile.Recompute(reconcile.RecomputeInput{
			Student:   st,
			Ledger:    ledgers[st.ID],
			Config:    cfg,
			Catalog:   catalog,
			At:        at,
			Reference: reference,
		})
		plan.Students = append(plan.Students, res.Student)
		plan.Lines = append(plan.Lines, res.Lines...)
		result.Students = append(result.Students, models.FeeStructureStudentResult{
			StudentID:          st.ID,
			FullName:           st.FullName,
			TermFees:           res.Position.TermFees,
			Arrears:            res.Position.Arrears,
			Credits:            res.Position.Credits,
			PreviousBalance:    st.CurrentBalance,
			NewBalance:         res.Position.Balance,
			NewTotalFeesToDate: res.NewTotalFeesToDate,
			Adjustments:        len(res.Lines),
		})
	}

	configID := cfg.LevelKey
	plan.AuditLogs = []models.AuditLog{{
		UserID:     actor,
		Action:     models.AuditActionFeeStructureApply,
		Resource:   "fee_configuration",
		ResourceID: &configID,
		Summary: fmt.Sprintf("Applied fee structure for %s %s: %d students, %d adjustments",
			program.Name, level, len(plan.Students), len(plan.Lines)),
		NewValues: marshalAudit(cfg),
		CreatedAt: at,
	}}

	if err := s.store.ApplyStructure(ctx, plan); err != nil {
		s.logger.Error("fee structure apply failed", zap.String("program", program.Name), zap.String("level", level), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply fee structure")
	}

	s.fees.Invalidate(ctx, program.Name, level)
	if err := s.cache.Invalidate(ctx, PopulationCachePattern(program.Name)); err != nil {
		s.logger.Warn("failed to invalidate population cache", zap.String("program", program.Name), zap.Error(err))
	}
	for i := range result.Students {
		s.metrics.ObserveReconciled(reconcileSourceFeeStructure, "recompute", linesFor(plan.Lines, result.Students[i].StudentID))
	}
	s.logger.Info("fee structure applied",
		zap.String("program", program.Name),
		zap.String("level", level),
		zap.Int("students", len(plan.Students)),
		zap.Int("lines", len(plan.Lines)),
	)

	result.Configuration = plan.Configuration
	return result, nil
}

// freshPopulation re-reads the population rows from storage, dropping students who left the level
// since the population was cached.
func (s *FeeStructureService) freshPopulation(ctx context.Context, program, level, levelKey string) ([]models.Student, error) {
	population, err := s.population.LoadPopulation(ctx, program, level)
	if err != nil {
		return nil, err
	}
	if len(population) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(population))
	for _, st := range population {
		ids = append(ids, st.ID)
	}
	rows, err := s.students.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	fresh := make([]models.Student, 0, len(rows))
	for _, st := range rows {
		if st.LevelKey == levelKey || (st.LevelKey == "" && reconcile.LabelContains(st.Level, level)) {
			fresh = append(fresh, st)
			continue
		}
		s.logger.Info("student left the level before recompute", zap.String("student_id", st.ID), zap.String("level", st.Level))
	}
	return fresh, nil
}

func linesFor(lines []models.BillingLine, studentID string) []models.BillingLine {
	var out []models.BillingLine
	for _, line := range lines {
		if line.StudentID == studentID {
			out = append(out, line)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
