package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	"github.com/noah-isme/sma-finance-api/internal/repository"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

const reconcileSourcePromotion = "promotion"

type promotionCommitStore interface {
	GetBatch(ctx context.Context, id string) (*models.PromotionBatch, error)
	ListChanges(ctx context.Context, batchID string) ([]models.PromotionChange, error)
	ListGroups(ctx context.Context, batchID string) ([]models.PromotionGroup, error)
	ApplyCommit(ctx context.Context, plan *models.CommitPlan) error
}

type studentReader interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.Student, error)
}

type ledgerReader interface {
	Ledgers(ctx context.Context, students []models.Student) (map[string]models.StudentLedger, error)
}

type feeLookup interface {
	Configuration(ctx context.Context, program, level string) (*models.FeeConfiguration, error)
	Catalog(ctx context.Context) (models.ServiceCatalog, error)
}

// PromotionCommitService turns a persisted draft into billing lines and student updates.
type PromotionCommitService struct {
	batches  promotionCommitStore
	students studentReader
	ledgers  ledgerReader
	fees     feeLookup
	cache    *CacheService
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// PromotionCommitOption customises the commit service.
type PromotionCommitOption func(*PromotionCommitService)

// WithCommitClock overrides the clock used to stamp commits.
func WithCommitClock(now func() time.Time) PromotionCommitOption {
	return func(s *PromotionCommitService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCommitMetrics records commit counters.
func WithCommitMetrics(metrics *MetricsService) PromotionCommitOption {
	return func(s *PromotionCommitService) {
		s.metrics = metrics
	}
}

// NewPromotionCommitService constructs the commit service.
func NewPromotionCommitService(batches promotionCommitStore, students studentReader, ledgers ledgerReader, fees feeLookup, cache *CacheService, logger *zap.Logger, opts ...PromotionCommitOption) *PromotionCommitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &PromotionCommitService{
		batches:  batches,
		students: students,
		ledgers:  ledgers,
		fees:     fees,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Preview reconciles every persisted change without writing anything.
func (s *PromotionCommitService) Preview(ctx context.Context, batchID string) (*models.PromotionPreview, error) {
	batch, changes, err := s.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Committed() {
		if err := s.ensurePersisted(ctx, batch.ID, changes); err != nil {
			return nil, err
		}
	}
	prepared, err := s.prepare(ctx, batch, changes, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return &models.PromotionPreview{Batch: *batch, Outcomes: prepared.outcomes, Warnings: prepared.warnings}, nil
}

// Commit applies a draft batch atomically. Every warning must be acknowledged by student id.
func (s *PromotionCommitService) Commit(ctx context.Context, batchID string, acknowledged []string, actorID string) (*models.CommitResult, error) {
	started := time.Now()
	batch, changes, err := s.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Committed() {
		return nil, appErrors.Clone(appErrors.ErrBatchCommitted, "promotion batch "+batch.Name+" is already committed")
	}
	if len(changes) == 0 {
		return nil, appErrors.Clone(appErrors.ErrEmptyBatch, "persist the draft before committing")
	}
	if err := s.ensurePersisted(ctx, batch.ID, changes); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	prepared, err := s.prepare(ctx, batch, changes, at)
	if err != nil {
		return nil, err
	}
	if pending := unacknowledged(prepared.warnings, acknowledged); len(pending) > 0 {
		return nil, appErrors.WithDetails(appErrors.ErrUnacknowledgedWarnings, pending)
	}

	plan := &models.CommitPlan{
		Batch:       *batch,
		CommittedBy: actorID,
		CommittedAt: at,
		Students:    prepared.students,
		Lines:       prepared.lines,
		PaymentTags: prepared.tags,
		AuditLogs:   s.auditTrail(batch, prepared, actorID, at),
	}
	if err := s.batches.ApplyCommit(ctx, plan); err != nil {
		if errors.Is(err, repository.ErrBatchNotDraft) {
			return nil, appErrors.Clone(appErrors.ErrBatchCommitted, "promotion batch "+batch.Name+" is already committed")
		}
		s.logger.Error("promotion commit failed", zap.String("batch_id", batch.ID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit promotion batch")
	}

	committed := *batch
	committed.Status = models.BatchStatusCommitted
	committed.CommittedAt = &at
	committed.CommittedBy = &actorID
	committed.UpdatedAt = at

	s.metrics.ObserveCommit(batch.Program, time.Since(started))
	for _, outcome := range prepared.outcomes {
		s.metrics.ObserveReconciled(reconcileSourcePromotion, string(outcome.Action), outcome.Lines)
	}
	if err := s.cache.Invalidate(ctx, PopulationCachePattern(batch.Program)); err != nil {
		s.logger.Warn("failed to invalidate population cache", zap.String("program", batch.Program), zap.Error(err))
	}
	s.logger.Info("promotion batch committed",
		zap.String("batch_id", batch.ID),
		zap.String("program", batch.Program),
		zap.Int("students", len(plan.Students)),
		zap.Int("lines", len(plan.Lines)),
		zap.String("actor_id", actorID),
	)

	return &models.CommitResult{
		Batch:    committed,
		Students: len(plan.Students),
		Lines:    len(plan.Lines),
		Outcomes: prepared.outcomes,
	}, nil
}

type preparedCommit struct {
	students []models.Student
	previous map[string]models.Student
	lines    []models.BillingLine
	tags     []models.PaymentTermTag
	outcomes []models.PromotionOutcome
	warnings []models.PromotionWarning
}

func (s *PromotionCommitService) load(ctx context.Context, batchID string) (*models.PromotionBatch, []models.PromotionChange, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "promotion batch not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	changes, err := s.batches.ListChanges(ctx, batchID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load changes")
	}
	return batch, changes, nil
}

// ensurePersisted refuses changes that no longer match the group partition. The details list
// every student whose group membership or destination differs from the persisted change.
func (s *PromotionCommitService) ensurePersisted(ctx context.Context, batchID string, changes []models.PromotionChange) error {
	groups, err := s.batches.ListGroups(ctx, batchID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	grouped := make(map[string]models.Destination)
	for _, group := range groups {
		for _, id := range group.StudentIDs {
			grouped[id] = group.Destination()
		}
	}

	var stale []string
	for _, change := range changes {
		dest, ok := grouped[change.StudentID]
		delete(grouped, change.StudentID)
		if !ok || dest.Action != change.Action || !reconcile.SameLevel(dest.ToLevel, change.ToLevel) {
			stale = append(stale, change.StudentID)
		}
	}
	for id := range grouped {
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrDraftOutOfDate, "persist the draft again before committing"), stale)
}

// prepare resolves every change into its reconciled result. Any failure aborts the whole batch.
func (s *PromotionCommitService) prepare(ctx context.Context, batch *models.PromotionBatch, changes []models.PromotionChange, at time.Time) (*preparedCommit, error) {
	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.StudentID)
	}
	students, err := s.students.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	byID := make(map[string]models.Student, len(students))
	for _, st := range students {
		byID[st.ID] = st
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student "+id+" no longer exists")
		}
	}

	ledgers, err := s.ledgers.Ledgers(ctx, students)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledgers")
	}
	catalog, err := s.fees.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	configs := map[string]*models.FeeConfiguration{}
	out := &preparedCommit{previous: byID, warnings: []models.PromotionWarning{}}
	for _, change := range changes {
		st := byID[change.StudentID]
		if warning := reconcile.HistoryWarning(st, models.Destination{Action: change.Action, ToLevel: change.ToLevel}); warning != nil {
			out.warnings = append(out.warnings, *warning)
		}

		var cfg *models.FeeConfiguration
		if change.Action == models.PromotionActionPromote {
			key := reconcile.Normalize(change.ToLevel)
			cached, ok := configs[key]
			if !ok {
				cached, err = s.fees.Configuration(ctx, batch.Program, change.ToLevel)
				if err != nil {
					return nil, err
				}
				configs[key] = cached
			}
			cfg = cached
		}

		res, err := reconcile.Reconcile(reconcile.Input{
			Student: st,
			Ledger:  ledgers[st.ID],
			Action:  change.Action,
			ToLevel: change.ToLevel,
			Config:  cfg,
			Catalog: catalog,
			At:      at,
			BatchID: batch.ID,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status,
				fmt.Sprintf("cannot reconcile student %s", st.ID))
		}

		out.students = append(out.students, res.Student)
		out.lines = append(out.lines, res.Lines...)
		out.tags = append(out.tags, res.PaymentTags...)
		out.outcomes = append(out.outcomes, models.PromotionOutcome{
			StudentID:            st.ID,
			FullName:             st.FullName,
			FromLevel:            st.Level,
			ToLevel:              change.ToLevel,
			Action:               change.Action,
			Arrears:              res.Arrears,
			TermFees:             res.Position.TermFees,
			NewTotalFees:         res.NewTotalFees,
			NewBalance:           res.Position.Balance,
			NewTotalFeesToDate:   res.NewTotalFeesToDate,
			Lines:                res.Lines,
			ConfigurationMissing: res.ConfigurationMissing,
			SkippedServices:      res.SkippedServices,
		})
		if res.ConfigurationMissing {
			s.logger.Info("destination level has no fee configuration",
				zap.String("batch_id", batch.ID),
				zap.String("student_id", st.ID),
				zap.String("to_level", change.ToLevel),
			)
		}
	}
	return out, nil
}

func (s *PromotionCommitService) auditTrail(batch *models.PromotionBatch, prepared *preparedCommit, actorID string, at time.Time) []models.AuditLog {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	batchID := batch.ID
	logs := make([]models.AuditLog, 0, len(prepared.students)+1)
	for i, st := range prepared.students {
		outcome := prepared.outcomes[i]
		studentID := st.ID
		logs = append(logs, models.AuditLog{
			UserID:     actor,
			Action:     models.AuditActionPromotionStudent,
			Resource:   "student",
			ResourceID: &studentID,
			Summary: fmt.Sprintf("%s %s from %s to %s: balance %s",
				outcome.Action, st.FullName, outcome.FromLevel, outcome.ToLevel, outcome.NewBalance.StringFixed(2)),
			OldValues: marshalAudit(prepared.previous[st.ID]),
			NewValues: marshalAudit(outcome),
			CreatedAt: at,
		})
	}
	logs = append(logs, models.AuditLog{
		UserID:     actor,
		Action:     models.AuditActionPromotionCommit,
		Resource:   "promotion_batch",
		ResourceID: &batchID,
		Summary:    fmt.Sprintf("Committed batch %s for %s: %d students", batch.Name, batch.Program, len(prepared.students)),
		NewValues:  marshalAudit(map[string]interface{}{"lines": len(prepared.lines), "students": len(prepared.students)}),
		CreatedAt:  at,
	})
	return logs
}

// unacknowledged returns the warnings whose student id is not in acknowledged, ordered by student.
func unacknowledged(warnings []models.PromotionWarning, acknowledged []string) []models.PromotionWarning {
	acked := make(map[string]struct{}, len(acknowledged))
	for _, id := range acknowledged {
		acked[strings.TrimSpace(id)] = struct{}{}
	}
	var pending []models.PromotionWarning
	for _, warning := range warnings {
		if _, ok := acked[warning.StudentID]; !ok {
			pending = append(pending, warning)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].StudentID < pending[j].StudentID })
	return pending
}

func marshalAudit(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
