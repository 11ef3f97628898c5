package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// ErrBatchNotDraft is returned when a write targets a batch that is no longer a draft.
var ErrBatchNotDraft = errors.New("promotion batch is not a draft")

// PromotionRepository persists promotion batches, their group partition and per-student changes.
type PromotionRepository struct {
	db *sqlx.DB
}

// NewPromotionRepository constructs the repository.
func NewPromotionRepository(db *sqlx.DB) *PromotionRepository {
	return &PromotionRepository{db: db}
}

const batchColumns = `id, name, program, source_level, status, created_by, created_at, updated_at, committed_at, committed_by`

// CreateBatch inserts a draft batch together with its primary group.
func (r *PromotionRepository) CreateBatch(ctx context.Context, batch *models.PromotionBatch, primary *models.PromotionGroup) (err error) {
	now := time.Now().UTC()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusDraft
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = batch.CreatedAt
	primary.BatchID = batch.ID
	primary.Kind = models.GroupKindPrimary

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create batch tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO promotion_batches (id, name, program, source_level, status, created_by, created_at, updated_at, committed_at, committed_by)
	VALUES (:id, :name, :program, :source_level, :status, :created_by, :created_at, :updated_at, :committed_at, :committed_by)`
	if _, err = tx.NamedExecContext(ctx, query, batch); err != nil {
		return fmt.Errorf("create promotion batch: %w", err)
	}
	if err = insertGroup(ctx, tx, primary); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create batch tx: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by identifier.
func (r *PromotionRepository) GetBatch(ctx context.Context, id string) (*models.PromotionBatch, error) {
	query := fmt.Sprintf("SELECT %s FROM promotion_batches WHERE id = $1", batchColumns)
	var batch models.PromotionBatch
	if err := r.db.GetContext(ctx, &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns batches matching the filter, newest first.
func (r *PromotionRepository) ListBatches(ctx context.Context, filter models.PromotionBatchFilter) ([]models.PromotionBatch, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 2)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM promotion_batches", batchColumns))

	conditions := make([]string, 0, 2)
	if filter.Program != "" {
		args = append(args, filter.Program)
		conditions = append(conditions, fmt.Sprintf("program = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var batches []models.PromotionBatch
	if err := r.db.SelectContext(ctx, &batches, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list promotion batches: %w", err)
	}
	return batches, nil
}

// ListGroups returns the batch's groups, primary first, with member ids filled in.
func (r *PromotionRepository) ListGroups(ctx context.Context, batchID string) ([]models.PromotionGroup, error) {
	const groupsQuery = `SELECT id, batch_id, kind, action, to_level, created_at FROM promotion_groups
	WHERE batch_id = $1 ORDER BY CASE WHEN kind = 'primary' THEN 0 ELSE 1 END, created_at ASC, id ASC`
	var groups []models.PromotionGroup
	if err := r.db.SelectContext(ctx, &groups, groupsQuery, batchID); err != nil {
		return nil, fmt.Errorf("list promotion groups: %w", err)
	}

	const membersQuery = `SELECT batch_id, group_id, student_id FROM promotion_group_members WHERE batch_id = $1 ORDER BY student_id ASC`
	var members []models.PromotionGroupMember
	if err := r.db.SelectContext(ctx, &members, membersQuery, batchID); err != nil {
		return nil, fmt.Errorf("list promotion group members: %w", err)
	}
	index := make(map[string]int, len(groups))
	for i := range groups {
		groups[i].StudentIDs = []string{}
		index[groups[i].ID] = i
	}
	for _, m := range members {
		if i, ok := index[m.GroupID]; ok {
			groups[i].StudentIDs = append(groups[i].StudentIDs, m.StudentID)
		}
	}
	return groups, nil
}

// CreateGroup adds an exception group to a draft batch.
func (r *PromotionRepository) CreateGroup(ctx context.Context, group *models.PromotionGroup) error {
	return r.inDraft(ctx, group.BatchID, func(tx *sqlx.Tx) error {
		return insertGroup(ctx, tx, group)
	})
}

// UpdateGroupDestination changes where a group's students are sent.
func (r *PromotionRepository) UpdateGroupDestination(ctx context.Context, batchID, groupID string, dest models.Destination) error {
	return r.inDraft(ctx, batchID, func(tx *sqlx.Tx) error {
		const query = `UPDATE promotion_groups SET action = $3, to_level = $4 WHERE batch_id = $1 AND id = $2`
		res, err := tx.ExecContext(ctx, query, batchID, groupID, dest.Action, dest.ToLevel)
		if err != nil {
			return fmt.Errorf("update promotion group: %w", err)
		}
		return requireRow(res, "update promotion group")
	})
}

// DeleteGroup removes an exception group. Its members become unassigned and lose any persisted change.
func (r *PromotionRepository) DeleteGroup(ctx context.Context, batchID, groupID string) error {
	return r.inDraft(ctx, batchID, func(tx *sqlx.Tx) error {
		const changesQuery = `DELETE FROM promotion_changes WHERE batch_id = $1 AND student_id IN
		(SELECT student_id FROM promotion_group_members WHERE batch_id = $1 AND group_id = $2)`
		if _, err := tx.ExecContext(ctx, changesQuery, batchID, groupID); err != nil {
			return fmt.Errorf("delete group changes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM promotion_group_members WHERE batch_id = $1 AND group_id = $2`, batchID, groupID); err != nil {
			return fmt.Errorf("delete group members: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM promotion_groups WHERE batch_id = $1 AND id = $2 AND kind = 'exception'`, batchID, groupID)
		if err != nil {
			return fmt.Errorf("delete promotion group: %w", err)
		}
		return requireRow(res, "delete promotion group")
	})
}

// AssignMembers places students in a group, moving them out of any other group of the batch.
func (r *PromotionRepository) AssignMembers(ctx context.Context, batchID, groupID string, studentIDs []string) error {
	return r.inDraft(ctx, batchID, func(tx *sqlx.Tx) error {
		const query = `INSERT INTO promotion_group_members (batch_id, group_id, student_id) VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, student_id) DO UPDATE SET group_id = EXCLUDED.group_id`
		for _, studentID := range studentIDs {
			if _, err := tx.ExecContext(ctx, query, batchID, groupID, studentID); err != nil {
				return fmt.Errorf("assign student %s: %w", studentID, err)
			}
		}
		return nil
	})
}

// RemoveMember unassigns a student and drops their persisted change.
func (r *PromotionRepository) RemoveMember(ctx context.Context, batchID, studentID string) error {
	return r.inDraft(ctx, batchID, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM promotion_group_members WHERE batch_id = $1 AND student_id = $2`, batchID, studentID); err != nil {
			return fmt.Errorf("unassign student: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM promotion_changes WHERE batch_id = $1 AND student_id = $2`, batchID, studentID); err != nil {
			return fmt.Errorf("delete student change: %w", err)
		}
		return nil
	})
}

// UpsertChanges writes one change per student, replacing any earlier change for that student.
func (r *PromotionRepository) UpsertChanges(ctx context.Context, batchID string, changes []models.PromotionChange) error {
	return r.inDraft(ctx, batchID, func(tx *sqlx.Tx) error {
		const query = `INSERT INTO promotion_changes (id, batch_id, student_id, from_level, to_level, action, updated_at)
		VALUES (:id, :batch_id, :student_id, :from_level, :to_level, :action, :updated_at)
		ON CONFLICT (batch_id, student_id) DO UPDATE SET from_level = EXCLUDED.from_level,
		to_level = EXCLUDED.to_level, action = EXCLUDED.action, updated_at = EXCLUDED.updated_at`
		now := time.Now().UTC()
		for i := range changes {
			change := &changes[i]
			change.BatchID = batchID
			if change.ID == "" {
				change.ID = uuid.NewString()
			}
			if change.UpdatedAt.IsZero() {
				change.UpdatedAt = now
			}
			if _, err := tx.NamedExecContext(ctx, query, change); err != nil {
				return fmt.Errorf("upsert promotion change: %w", err)
			}
		}
		return nil
	})
}

// ListChanges returns the persisted changes of a batch.
func (r *PromotionRepository) ListChanges(ctx context.Context, batchID string) ([]models.PromotionChange, error) {
	const query = `SELECT id, batch_id, student_id, from_level, to_level, action, updated_at
	FROM promotion_changes WHERE batch_id = $1 ORDER BY student_id ASC`
	var changes []models.PromotionChange
	if err := r.db.SelectContext(ctx, &changes, query, batchID); err != nil {
		return nil, fmt.Errorf("list promotion changes: %w", err)
	}
	return changes, nil
}

// ApplyCommit writes a fully computed commit plan in one transaction and marks the batch
// committed. ErrBatchNotDraft is returned, and nothing is written, if the batch was
// committed in the meantime.
func (r *PromotionRepository) ApplyCommit(ctx context.Context, plan *models.CommitPlan) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const markQuery = `UPDATE promotion_batches SET status = $2, committed_at = $3, committed_by = $4, updated_at = $3
	WHERE id = $1 AND status = $5`
	res, err := tx.ExecContext(ctx, markQuery, plan.Batch.ID, models.BatchStatusCommitted, plan.CommittedAt, plan.CommittedBy, models.BatchStatusDraft)
	if err != nil {
		return fmt.Errorf("mark batch committed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check batch commit rows: %w", err)
	}
	if rows == 0 {
		err = ErrBatchNotDraft
		return err
	}

	for i := range plan.Students {
		if err = upsertStudent(ctx, tx, &plan.Students[i]); err != nil {
			return err
		}
	}
	if err = insertLines(ctx, tx, plan.Lines); err != nil {
		return err
	}
	if err = tagPayments(ctx, tx, plan.PaymentTags); err != nil {
		return err
	}
	for i := range plan.AuditLogs {
		if err = insertAuditLog(ctx, tx, &plan.AuditLogs[i]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit promotion tx: %w", err)
	}
	return nil
}

// inDraft runs fn in a transaction after bumping the batch's updated_at; the bump only
// matches draft batches, which makes every partition write refuse committed batches.
func (r *PromotionRepository) inDraft(ctx context.Context, batchID string, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin draft tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE promotion_batches SET updated_at = $2 WHERE id = $1 AND status = $3`,
		batchID, time.Now().UTC(), models.BatchStatusDraft)
	if err != nil {
		return fmt.Errorf("touch promotion batch: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check promotion batch rows: %w", err)
	}
	if rows == 0 {
		err = ErrBatchNotDraft
		return err
	}

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit draft tx: %w", err)
	}
	return nil
}

func insertGroup(ctx context.Context, exec sqlx.ExtContext, group *models.PromotionGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO promotion_groups (id, batch_id, kind, action, to_level, created_at)
	VALUES (:id, :batch_id, :kind, :action, :to_level, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, group); err != nil {
		return fmt.Errorf("create promotion group: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
