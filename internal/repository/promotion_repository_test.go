package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

func TestPromotionRepositoryCreateBatchWithPrimaryGroup(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO promotion_batches")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO promotion_groups")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	batch := &models.PromotionBatch{Name: "2024 intake", Program: "Diploma", SourceLevel: "Year 1", CreatedBy: "user-1"}
	primary := &models.PromotionGroup{Action: models.PromotionActionPromote, ToLevel: "Year 2"}
	require.NoError(t, repo.CreateBatch(context.Background(), batch, primary))

	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, models.BatchStatusDraft, batch.Status)
	assert.Equal(t, batch.ID, primary.BatchID)
	assert.Equal(t, models.GroupKindPrimary, primary.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryListGroupsAttachesMembers(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, batch_id, kind, action, to_level, created_at FROM promotion_groups")).
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "batch_id", "kind", "action", "to_level", "created_at"}).
			AddRow("g-primary", "batch-1", "primary", "promote", "Year 2", now).
			AddRow("g-exc", "batch-1", "exception", "graduate", "Graduated", now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, group_id, student_id FROM promotion_group_members")).
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "group_id", "student_id"}).
			AddRow("batch-1", "g-primary", "s-1").
			AddRow("batch-1", "g-exc", "s-2").
			AddRow("batch-1", "g-primary", "s-3"))

	groups, err := repo.ListGroups(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"s-1", "s-3"}, groups[0].StudentIDs)
	assert.Equal(t, []string{"s-2"}, groups[1].StudentIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryAssignMovesStudentBetweenGroups(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET updated_at")).
		WithArgs("batch-1", sqlmock.AnyArg(), models.BatchStatusDraft).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (batch_id, student_id) DO UPDATE SET group_id = EXCLUDED.group_id")).
		WithArgs("batch-1", "g-exc", "s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.AssignMembers(context.Background(), "batch-1", "g-exc", []string{"s-1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryRejectsWritesToCommittedBatch(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET updated_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpsertChanges(context.Background(), "batch-1", []models.PromotionChange{{StudentID: "s-1", ToLevel: "Year 2", Action: models.PromotionActionPromote}})
	assert.True(t, errors.Is(err, ErrBatchNotDraft))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryRemoveMemberDropsChange(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET updated_at")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM promotion_group_members")).WithArgs("batch-1", "s-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM promotion_changes")).WithArgs("batch-1", "s-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RemoveMember(context.Background(), "batch-1", "s-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryApplyCommit(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	batchID := "batch-1"
	committedAt := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	plan := &models.CommitPlan{
		Batch:       models.PromotionBatch{ID: batchID, Name: "2024", Program: "Diploma"},
		CommittedBy: "user-1",
		CommittedAt: committedAt,
		Students:    []models.Student{{ID: "s-1", Level: "Year 2", TotalFeesToDate: decimal.NewFromInt(1650000)}},
		Lines: []models.BillingLine{
			{StudentID: "s-1", Term: "Year 2", Type: models.BillingTypeTuition, Amount: decimal.NewFromInt(600000), BatchID: &batchID},
		},
		PaymentTags: []models.PaymentTermTag{{PaymentID: "p-1", Term: "Year 1"}},
		AuditLogs:   []models.AuditLog{{Action: models.AuditActionPromotionStudent, Resource: "student"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET status = $2")).
		WithArgs(batchID, models.BatchStatusCommitted, committedAt, "user-1", models.BatchStatusDraft).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_lines")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET term = $2 WHERE id = $1 AND term IS NULL")).
		WithArgs("p-1", "Year 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ApplyCommit(context.Background(), plan))
	assert.NotEmpty(t, plan.Lines[0].ID)
	assert.NotEmpty(t, plan.AuditLogs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryApplyCommitRollsBackWhenAlreadyCommitted(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET status = $2")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyCommit(context.Background(), &models.CommitPlan{
		Batch:    models.PromotionBatch{ID: "batch-1"},
		Students: []models.Student{{ID: "s-1"}},
	})
	assert.ErrorIs(t, err, ErrBatchNotDraft)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryApplyCommitRollsBackOnWriteFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE promotion_batches SET status = $2")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.ApplyCommit(context.Background(), &models.CommitPlan{
		Batch:    models.PromotionBatch{ID: "batch-1"},
		Students: []models.Student{{ID: "s-1"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromotionRepositoryListBatchesFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPromotionRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM promotion_batches WHERE program = $1 AND status = $2 ORDER BY created_at DESC LIMIT 50 OFFSET 0")).
		WithArgs("Diploma", models.BatchStatusDraft).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "program", "source_level", "status", "created_by", "created_at", "updated_at", "committed_at", "committed_by"}).
			AddRow("batch-1", "2024", "Diploma", "Year 1", "draft", "user-1", now, now, nil, nil))

	batches, err := repo.ListBatches(context.Background(), models.PromotionBatchFilter{Program: "Diploma", Status: models.BatchStatusDraft})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Nil(t, batches[0].CommittedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
