package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	"github.com/noah-isme/sma-finance-api/internal/repository"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

// DeactivatedLabel is recorded as the destination of deactivated students.
const DeactivatedLabel = "Inactive"

// CommitPermanentNotice is surfaced with every validation result.
const CommitPermanentNotice = "commit is permanent: a committed batch cannot be reverted or edited"

type promotionDraftStore interface {
	CreateBatch(ctx context.Context, batch *models.PromotionBatch, primary *models.PromotionGroup) error
	GetBatch(ctx context.Context, id string) (*models.PromotionBatch, error)
	ListBatches(ctx context.Context, filter models.PromotionBatchFilter) ([]models.PromotionBatch, error)
	ListGroups(ctx context.Context, batchID string) ([]models.PromotionGroup, error)
	CreateGroup(ctx context.Context, group *models.PromotionGroup) error
	UpdateGroupDestination(ctx context.Context, batchID, groupID string, dest models.Destination) error
	DeleteGroup(ctx context.Context, batchID, groupID string) error
	AssignMembers(ctx context.Context, batchID, groupID string, studentIDs []string) error
	RemoveMember(ctx context.Context, batchID, studentID string) error
	UpsertChanges(ctx context.Context, batchID string, changes []models.PromotionChange) error
	ListChanges(ctx context.Context, batchID string) ([]models.PromotionChange, error)
}

type populationStore interface {
	ListCandidates(ctx context.Context, filter models.StudentPopulationFilter) ([]models.Student, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Student, error)
}

type programLookup interface {
	Program(ctx context.Context, name string) (*models.Program, error)
}

// PromotionDraftConfig carries the workflow settings.
type PromotionDraftConfig struct {
	ActiveStatuses     []string
	PopulationCacheTTL time.Duration
	GraduatedLabel     string
}

// PromotionDraftService manages the partition of a cohort into destination groups.
type PromotionDraftService struct {
	batches   promotionDraftStore
	students  populationStore
	programs  programLookup
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	config    PromotionDraftConfig
}

// NewPromotionDraftService constructs the draft manager.
func NewPromotionDraftService(batches promotionDraftStore, students populationStore, programs programLookup, cache *CacheService, validate *validator.Validate, logger *zap.Logger, cfg PromotionDraftConfig) *PromotionDraftService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if len(cfg.ActiveStatuses) == 0 {
		cfg.ActiveStatuses = []string{
			string(models.StudentStatusActive),
			string(models.StudentStatusEnrolled),
			string(models.StudentStatusSuspended),
			string(models.StudentStatusProbation),
		}
	}
	if cfg.GraduatedLabel == "" {
		cfg.GraduatedLabel = "Graduated"
	}
	return &PromotionDraftService{
		batches:   batches,
		students:  students,
		programs:  programs,
		cache:     cache,
		validator: validate,
		logger:    logger,
		config:    cfg,
	}
}

// LoadPopulation returns the operationally active students at a program level. Students with a
// level key match on it; students without one fall back to a normalised label contains match.
func (s *PromotionDraftService) LoadPopulation(ctx context.Context, program, level string) ([]models.Student, error) {
	program = strings.TrimSpace(program)
	key := reconcile.Normalize(level)
	if program == "" || key == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "program and level are required")
	}

	population, _, err := remember(ctx, s.cache, PopulationCacheKey(program, level), s.config.PopulationCacheTTL, func() ([]models.Student, error) {
		candidates, err := s.students.ListCandidates(ctx, models.StudentPopulationFilter{
			Program:  program,
			LevelKey: key,
			Statuses: s.config.ActiveStatuses,
		})
		if err != nil {
			return nil, err
		}
		population := make([]models.Student, 0, len(candidates))
		for _, st := range candidates {
			if st.LevelKey == key || (st.LevelKey == "" && (reconcile.LabelContains(st.Level, level) || reconcile.LabelContains(st.Term, level))) {
				population = append(population, st)
			}
		}
		return population, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load population")
	}
	return population, nil
}

// CreateBatch opens a draft batch with a primary group sent to the default destination.
func (s *PromotionDraftService) CreateBatch(ctx context.Context, req dto.CreatePromotionBatchRequest, actorID string) (*models.PromotionBatchDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload")
	}
	batch := &models.PromotionBatch{
		Name:        strings.TrimSpace(req.Name),
		Program:     strings.TrimSpace(req.Program),
		SourceLevel: strings.TrimSpace(req.SourceLevel),
		CreatedBy:   actorID,
	}
	dest, err := s.resolveDestination(ctx, batch, req.Destination)
	if err != nil {
		return nil, err
	}
	primary := &models.PromotionGroup{Action: dest.Action, ToLevel: dest.ToLevel}
	if err := s.batches.CreateBatch(ctx, batch, primary); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create batch")
	}
	s.logger.Info("promotion batch created",
		zap.String("batch_id", batch.ID),
		zap.String("program", batch.Program),
		zap.String("source_level", batch.SourceLevel),
	)
	return s.Get(ctx, batch.ID)
}

// Get returns a batch with its groups, persisted changes and, for drafts, the unassigned students.
func (s *PromotionDraftService) Get(ctx context.Context, id string) (*models.PromotionBatchDetail, error) {
	batch, err := s.loadBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	groups, err := s.batches.ListGroups(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	changes, err := s.batches.ListChanges(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load changes")
	}
	detail := &models.PromotionBatchDetail{PromotionBatch: *batch, Groups: groups, Changes: changes, Unassigned: []string{}}
	if batch.Committed() {
		return detail, nil
	}
	population, err := s.LoadPopulation(ctx, batch.Program, batch.SourceLevel)
	if err != nil {
		return nil, err
	}
	detail.Unassigned = unassignedIDs(population, groups)
	return detail, nil
}

// List returns batches matching the query.
func (s *PromotionDraftService) List(ctx context.Context, query dto.PromotionBatchQuery) ([]models.PromotionBatch, error) {
	filter := models.PromotionBatchFilter{
		Program: strings.TrimSpace(query.Program),
		Status:  models.BatchStatus(strings.ToLower(strings.TrimSpace(query.Status))),
		Limit:   query.Limit,
		Offset:  query.Offset,
	}
	if filter.Status != "" && filter.Status != models.BatchStatusDraft && filter.Status != models.BatchStatusCommitted {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be draft or committed")
	}
	batches, err := s.batches.ListBatches(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list batches")
	}
	return batches, nil
}

// CreateExceptionGroup adds a group with its own destination; an empty request uses the default.
func (s *PromotionDraftService) CreateExceptionGroup(ctx context.Context, batchID string, req *dto.DestinationRequest) (*models.PromotionGroup, error) {
	batch, err := s.loadDraft(ctx, batchID)
	if err != nil {
		return nil, err
	}
	dest, err := s.resolveDestination(ctx, batch, req)
	if err != nil {
		return nil, err
	}
	group := &models.PromotionGroup{
		BatchID:    batch.ID,
		Kind:       models.GroupKindException,
		Action:     dest.Action,
		ToLevel:    dest.ToLevel,
		StudentIDs: []string{},
	}
	if err := s.batches.CreateGroup(ctx, group); err != nil {
		return nil, s.writeError(err, "failed to create group")
	}
	return group, nil
}

// UpdateGroupDestination changes where a group is sent.
func (s *PromotionDraftService) UpdateGroupDestination(ctx context.Context, batchID, groupID string, req *dto.DestinationRequest) (*models.PromotionGroup, error) {
	batch, err := s.loadDraft(ctx, batchID)
	if err != nil {
		return nil, err
	}
	group, err := s.findGroup(ctx, batchID, groupID)
	if err != nil {
		return nil, err
	}
	dest, err := s.resolveDestination(ctx, batch, req)
	if err != nil {
		return nil, err
	}
	if err := s.batches.UpdateGroupDestination(ctx, batchID, groupID, dest); err != nil {
		return nil, s.writeError(err, "failed to update group")
	}
	group.Action = dest.Action
	group.ToLevel = dest.ToLevel
	return group, nil
}

// RemoveExceptionGroup deletes an exception group; its students become unassigned.
func (s *PromotionDraftService) RemoveExceptionGroup(ctx context.Context, batchID, groupID string) error {
	if _, err := s.loadDraft(ctx, batchID); err != nil {
		return err
	}
	group, err := s.findGroup(ctx, batchID, groupID)
	if err != nil {
		return err
	}
	if group.Kind == models.GroupKindPrimary {
		return appErrors.Clone(appErrors.ErrValidation, "the primary group cannot be removed")
	}
	if err := s.batches.DeleteGroup(ctx, batchID, groupID); err != nil {
		return s.writeError(err, "failed to remove group")
	}
	return nil
}

// Assign moves a population member into a group, out of any other group of the batch.
func (s *PromotionDraftService) Assign(ctx context.Context, batchID, studentID, groupID string) error {
	batch, err := s.loadDraft(ctx, batchID)
	if err != nil {
		return err
	}
	if _, err := s.findGroup(ctx, batchID, groupID); err != nil {
		return err
	}
	population, err := s.LoadPopulation(ctx, batch.Program, batch.SourceLevel)
	if err != nil {
		return err
	}
	if !containsStudent(population, studentID) {
		return appErrors.Clone(appErrors.ErrNotInPopulation, "student "+studentID+" is not at "+batch.SourceLevel)
	}
	if err := s.batches.AssignMembers(ctx, batchID, groupID, []string{studentID}); err != nil {
		return s.writeError(err, "failed to assign student")
	}
	return nil
}

// Unassign removes a student from the partition and drops any persisted change for them.
func (s *PromotionDraftService) Unassign(ctx context.Context, batchID, studentID string) error {
	if _, err := s.loadDraft(ctx, batchID); err != nil {
		return err
	}
	if err := s.batches.RemoveMember(ctx, batchID, studentID); err != nil {
		return s.writeError(err, "failed to unassign student")
	}
	return nil
}

// AssignRemaining puts every unassigned population member into the primary group.
func (s *PromotionDraftService) AssignRemaining(ctx context.Context, batchID string) (*dto.AssignmentResult, error) {
	batch, err := s.loadDraft(ctx, batchID)
	if err != nil {
		return nil, err
	}
	groups, err := s.batches.ListGroups(ctx, batchID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	var primary *models.PromotionGroup
	for i := range groups {
		if groups[i].Kind == models.GroupKindPrimary {
			primary = &groups[i]
			break
		}
	}
	if primary == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "primary group not found")
	}
	population, err := s.LoadPopulation(ctx, batch.Program, batch.SourceLevel)
	if err != nil {
		return nil, err
	}
	remaining := unassignedIDs(population, groups)
	if len(remaining) > 0 {
		if err := s.batches.AssignMembers(ctx, batchID, primary.ID, remaining); err != nil {
			return nil, s.writeError(err, "failed to assign students")
		}
	}
	return &dto.AssignmentResult{BatchID: batchID, GroupID: primary.ID, Assigned: len(remaining)}, nil
}

// Validate flags every grouped student whose promotion destination appears in their history.
// Warnings are soft: they block commit only until acknowledged.
func (s *PromotionDraftService) Validate(ctx context.Context, batchID string) ([]models.PromotionWarning, error) {
	if _, err := s.loadBatch(ctx, batchID); err != nil {
		return nil, err
	}
	groups, err := s.batches.ListGroups(ctx, batchID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	destinations := make(map[string]models.Destination)
	for _, group := range groups {
		for _, id := range group.StudentIDs {
			destinations[id] = group.Destination()
		}
	}
	return s.historyWarnings(ctx, destinations)
}

// PersistDraft writes one change per grouped student, replacing earlier changes for the same student.
func (s *PromotionDraftService) PersistDraft(ctx context.Context, batchID string) ([]models.PromotionChange, error) {
	if _, err := s.loadDraft(ctx, batchID); err != nil {
		return nil, err
	}
	groups, err := s.batches.ListGroups(ctx, batchID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	var ids []string
	for _, group := range groups {
		ids = append(ids, group.StudentIDs...)
	}
	students, err := s.students.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	levels := make(map[string]string, len(students))
	for _, st := range students {
		levels[st.ID] = st.Level
	}

	changes := make([]models.PromotionChange, 0, len(ids))
	for _, group := range groups {
		for _, id := range group.StudentIDs {
			from, ok := levels[id]
			if !ok {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student "+id+" no longer exists")
			}
			changes = append(changes, models.PromotionChange{
				BatchID:   batchID,
				StudentID: id,
				FromLevel: from,
				ToLevel:   group.ToLevel,
				Action:    group.Action,
			})
		}
	}
	if len(changes) > 0 {
		if err := s.batches.UpsertChanges(ctx, batchID, changes); err != nil {
			return nil, s.writeError(err, "failed to persist draft")
		}
	}
	s.logger.Info("promotion draft persisted", zap.String("batch_id", batchID), zap.Int("changes", len(changes)))
	return changes, nil
}

func (s *PromotionDraftService) historyWarnings(ctx context.Context, destinations map[string]models.Destination) ([]models.PromotionWarning, error) {
	warnings := []models.PromotionWarning{}
	if len(destinations) == 0 {
		return warnings, nil
	}
	ids := make([]string, 0, len(destinations))
	for id := range destinations {
		ids = append(ids, id)
	}
	students, err := s.students.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	for _, st := range students {
		if warning := reconcile.HistoryWarning(st, destinations[st.ID]); warning != nil {
			warnings = append(warnings, *warning)
		}
	}
	return warnings, nil
}

// resolveDestination fills defaults: the next level of the program, or graduation after the last level.
func (s *PromotionDraftService) resolveDestination(ctx context.Context, batch *models.PromotionBatch, req *dto.DestinationRequest) (models.Destination, error) {
	if req != nil {
		if err := s.validator.Struct(req); err != nil {
			return models.Destination{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid destination")
		}
	}
	program, err := s.programs.Program(ctx, batch.Program)
	if err != nil {
		return models.Destination{}, err
	}
	if _, ok := reconcile.ResolveLevel(program.Levels, batch.SourceLevel); !ok {
		return models.Destination{}, appErrors.Clone(appErrors.ErrValidation, "level "+batch.SourceLevel+" is not part of program "+batch.Program)
	}

	action := models.PromotionAction("")
	toLevel := ""
	if req != nil {
		action = req.Action
		toLevel = strings.TrimSpace(req.ToLevel)
	}
	if action == "" && toLevel != "" {
		action = models.PromotionActionPromote
	}
	if action == "" {
		if next, ok := reconcile.NextLevel(program.Levels, batch.SourceLevel); ok {
			return models.Destination{Action: models.PromotionActionPromote, ToLevel: next}, nil
		}
		return models.Destination{Action: models.PromotionActionGraduate, ToLevel: s.config.GraduatedLabel}, nil
	}

	switch action {
	case models.PromotionActionGraduate:
		return models.Destination{Action: action, ToLevel: s.config.GraduatedLabel}, nil
	case models.PromotionActionDeactivate:
		return models.Destination{Action: action, ToLevel: DeactivatedLabel}, nil
	}
	if toLevel == "" {
		next, ok := reconcile.NextLevel(program.Levels, batch.SourceLevel)
		if !ok {
			return models.Destination{}, appErrors.Clone(appErrors.ErrValidation, "no level follows "+batch.SourceLevel+"; graduate instead")
		}
		toLevel = next
	}
	if level, ok := reconcile.ResolveLevel(program.Levels, toLevel); ok {
		toLevel = level
	}
	if reconcile.SameLevel(toLevel, batch.SourceLevel) {
		return models.Destination{}, appErrors.Clone(appErrors.ErrValidation, "destination must differ from the source level")
	}
	return models.Destination{Action: models.PromotionActionPromote, ToLevel: toLevel}, nil
}

func (s *PromotionDraftService) loadBatch(ctx context.Context, id string) (*models.PromotionBatch, error) {
	batch, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "promotion batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	return batch, nil
}

func (s *PromotionDraftService) loadDraft(ctx context.Context, id string) (*models.PromotionBatch, error) {
	batch, err := s.loadBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Committed() {
		return nil, appErrors.Clone(appErrors.ErrBatchCommitted, "promotion batch "+batch.Name+" is committed")
	}
	return batch, nil
}

func (s *PromotionDraftService) findGroup(ctx context.Context, batchID, groupID string) (*models.PromotionGroup, error) {
	groups, err := s.batches.ListGroups(ctx, batchID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	for i := range groups {
		if groups[i].ID == groupID {
			return &groups[i], nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "promotion group not found")
}

func (s *PromotionDraftService) writeError(err error, message string) error {
	switch {
	case errors.Is(err, repository.ErrBatchNotDraft):
		return appErrors.Clone(appErrors.ErrBatchCommitted, "")
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}

func unassignedIDs(population []models.Student, groups []models.PromotionGroup) []string {
	assigned := make(map[string]struct{})
	for _, group := range groups {
		for _, id := range group.StudentIDs {
			assigned[id] = struct{}{}
		}
	}
	ids := []string{}
	for _, st := range population {
		if _, ok := assigned[st.ID]; !ok {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func containsStudent(population []models.Student, id string) bool {
	for _, st := range population {
		if st.ID == id {
			return true
		}
	}
	return false
}
