package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	"github.com/noah-isme/sma-finance-api/internal/repository"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

var commitAt = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

type ledgerStub map[string]models.StudentLedger

func (l ledgerStub) Ledgers(ctx context.Context, students []models.Student) (map[string]models.StudentLedger, error) {
	out := make(map[string]models.StudentLedger, len(students))
	for _, st := range students {
		out[st.ID] = l[st.ID]
	}
	return out, nil
}

type feeLookupStub struct {
	configs map[string]*models.FeeConfiguration
	catalog models.ServiceCatalog
	calls   int
}

func (f *feeLookupStub) Configuration(ctx context.Context, program, level string) (*models.FeeConfiguration, error) {
	f.calls++
	return f.configs[reconcile.Normalize(level)], nil
}

func (f *feeLookupStub) Catalog(ctx context.Context) (models.ServiceCatalog, error) {
	return f.catalog, nil
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func commitFixture() (*memPromotionStore, *memStudentStore, ledgerStub, *feeLookupStub) {
	store := newMemPromotionStore()
	store.batches["b1"] = &models.PromotionBatch{ID: "b1", Name: "Y1S1 to Y1S2", Program: "Diploma", SourceLevel: "Year 1, Semester 1", Status: models.BatchStatusDraft}
	store.changes["b1"] = []models.PromotionChange{
		{ID: "c1", BatchID: "b1", StudentID: "st-s", FromLevel: "Year 1, Semester 1", ToLevel: "Year 1, Semester 2", Action: models.PromotionActionPromote},
		{ID: "c2", BatchID: "b1", StudentID: "st-t", FromLevel: "Year 1, Semester 1", ToLevel: "Graduated", Action: models.PromotionActionGraduate},
	}
	store.groups = []models.PromotionGroup{
		{ID: "g1", BatchID: "b1", Kind: models.GroupKindPrimary, Action: models.PromotionActionPromote, ToLevel: "Year 1, Semester 2", StudentIDs: []string{"st-s"}},
		{ID: "g2", BatchID: "b1", Kind: models.GroupKindException, Action: models.PromotionActionGraduate, ToLevel: "Graduated", StudentIDs: []string{"st-t"}},
	}
	students := &memStudentStore{students: []models.Student{
		{ID: "st-s", FullName: "Student S", Program: "Diploma", Level: "Year 1, Semester 1", Term: "Year 1, Semester 1", Status: models.StudentStatusActive, TotalFeesToDate: money(500000)},
		{ID: "st-t", FullName: "Student T", Program: "Diploma", Level: "Year 1, Semester 1", Term: "Year 1, Semester 1", Status: models.StudentStatusActive, TotalFeesToDate: money(500000)},
	}}
	ledgers := ledgerStub{
		"st-s": {Lines: []models.BillingLine{{ID: "l1", StudentID: "st-s", Term: "Year 1, Semester 1", Type: models.BillingTypeTuition, Amount: money(500000)}}},
		"st-t": {
			Lines:    []models.BillingLine{{ID: "l2", StudentID: "st-t", Term: "Year 1, Semester 1", Type: models.BillingTypeTuition, Amount: money(500000)}},
			Payments: []models.Payment{{ID: "p1", StudentID: "st-t", Amount: money(200000)}},
		},
	}
	fees := &feeLookupStub{
		configs: map[string]*models.FeeConfiguration{
			"year1semester2": {Program: "Diploma", Level: "Year 1, Semester 2", LevelKey: "year1semester2", Tuition: money(600000), Services: []string{"svc-lunch"}},
		},
		catalog: models.ServiceCatalog{"svc-lunch": {ID: "svc-lunch", Name: "Lunch", Cost: money(50000), Active: true}},
	}
	return store, students, ledgers, fees
}

func newCommitServiceForTest(store *memPromotionStore, students *memStudentStore, ledgers ledgerStub, fees *feeLookupStub) *PromotionCommitService {
	return NewPromotionCommitService(store, students, ledgers, fees, nil, nil,
		WithCommitClock(func() time.Time { return commitAt }),
		WithCommitMetrics(NewMetricsService()),
	)
}

func TestPromotionCommitAppliesBatch(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	result, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCommitted, result.Batch.Status)
	assert.Equal(t, 2, result.Students)
	assert.Equal(t, 3, result.Lines)

	plan := store.applied
	require.NotNil(t, plan)
	assert.Equal(t, commitAt, plan.CommittedAt)
	assert.Equal(t, "bursar-1", plan.CommittedBy)

	promoted := plan.Students[0]
	assert.Equal(t, "Year 1, Semester 2", promoted.Level)
	assert.True(t, money(1150000).Equal(promoted.CurrentBalance), promoted.CurrentBalance.String())
	assert.True(t, money(1650000).Equal(promoted.TotalFeesToDate), promoted.TotalFeesToDate.String())

	graduated := plan.Students[1]
	assert.Equal(t, "Year 1, Semester 1", graduated.Level)
	assert.Equal(t, models.StudentStatusGraduated, graduated.Status)
	assert.True(t, money(300000).Equal(graduated.CurrentBalance))
	assert.True(t, money(500000).Equal(graduated.TotalFeesToDate))

	require.Len(t, plan.PaymentTags, 1)
	assert.Equal(t, models.PaymentTermTag{PaymentID: "p1", Term: "Year 1, Semester 1"}, plan.PaymentTags[0])

	require.Len(t, plan.AuditLogs, 3)
	summary := plan.AuditLogs[2]
	assert.Equal(t, models.AuditActionPromotionCommit, summary.Action)
	assert.Equal(t, "Committed batch Y1S1 to Y1S2 for Diploma: 2 students", summary.Summary)
	assert.Equal(t, models.AuditActionPromotionStudent, plan.AuditLogs[0].Action)
	assert.Equal(t, 1, fees.calls)
}

func TestPromotionCommitRejectsCommittedBatch(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	store.batches["b1"].Status = models.BatchStatusCommitted
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	assert.ErrorIs(t, err, appErrors.ErrBatchCommitted)
	assert.Nil(t, store.applied)
	assert.Zero(t, fees.calls)
}

func TestPromotionCommitRejectsEmptyBatch(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	store.changes["b1"] = nil
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	assert.ErrorIs(t, err, appErrors.ErrEmptyBatch)
	assert.Nil(t, store.applied)
}

func TestPromotionCommitRequiresAcknowledgedWarnings(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	students.students[0].PromotionHistory = models.PromotionHistory{{FromLevel: "Year 1, Semester 2", ToLevel: "Year 1, Semester 1", Action: models.PromotionActionPromote}}
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", []string{"st-t"}, "bursar-1")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrUnacknowledgedWarnings.Code, appErr.Code)
	warnings, ok := appErr.Details.([]models.PromotionWarning)
	require.True(t, ok)
	require.Len(t, warnings, 1)
	assert.Equal(t, "st-s", warnings[0].StudentID)
	assert.Nil(t, store.applied)

	_, err = svc.Commit(context.Background(), "b1", []string{"st-s"}, "bursar-1")
	require.NoError(t, err)
	assert.NotNil(t, store.applied)
}

func TestPromotionCommitFailsFastOnMissingStudent(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	students.students = students.students[:1]
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Nil(t, store.applied)
}

func TestPromotionCommitLosesRaceToConcurrentCommit(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	store.applyErr = repository.ErrBatchNotDraft
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	assert.ErrorIs(t, err, appErrors.ErrBatchCommitted)
}

func TestPromotionCommitWrapsStorageFailure(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	store.applyErr = errors.New("connection reset")
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	assert.ErrorIs(t, err, appErrors.ErrInternal)
	assert.Equal(t, models.BatchStatusDraft, store.batches["b1"].Status)
}

func TestPromotionPreviewWritesNothing(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	fees.configs = map[string]*models.FeeConfiguration{}
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	preview, err := svc.Preview(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, preview.Outcomes, 2)
	assert.True(t, preview.Outcomes[0].ConfigurationMissing)
	assert.True(t, money(500000).Equal(preview.Outcomes[0].NewBalance))
	assert.Empty(t, preview.Warnings)
	assert.Nil(t, store.applied)
	assert.Zero(t, store.writes)
}

func TestPromotionCommitRefusesChangesBehindGroups(t *testing.T) {
	drafts, store, students := newDraftServiceForTest()
	ctx := context.Background()
	detail := createDiplomaBatch(t, drafts)
	_, err := drafts.AssignRemaining(ctx, detail.ID)
	require.NoError(t, err)
	_, err = drafts.PersistDraft(ctx, detail.ID)
	require.NoError(t, err)
	_, err = drafts.UpdateGroupDestination(ctx, detail.ID, detail.Groups[0].ID, &dto.DestinationRequest{Action: models.PromotionActionGraduate})
	require.NoError(t, err)

	commits := newCommitServiceForTest(store, students, ledgerStub{}, &feeLookupStub{})
	_, err = commits.Commit(ctx, detail.ID, []string{"st-3"}, "bursar-1")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrDraftOutOfDate.Code, appErr.Code)
	assert.Equal(t, []string{"st-1", "st-2", "st-3"}, appErr.Details)
	assert.Nil(t, store.applied)

	_, err = commits.Preview(ctx, detail.ID)
	assert.ErrorIs(t, err, appErrors.ErrDraftOutOfDate)

	_, err = drafts.PersistDraft(ctx, detail.ID)
	require.NoError(t, err)
	result, err := commits.Commit(ctx, detail.ID, []string{"st-3"}, "bursar-1")
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	for _, outcome := range result.Outcomes {
		assert.Equal(t, models.PromotionActionGraduate, outcome.Action)
	}
	for _, st := range store.applied.Students {
		assert.Equal(t, models.StudentStatusGraduated, st.Status)
	}
}

func TestPromotionCommitRefusesUnpersistedAssignment(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	students.students = append(students.students, models.Student{ID: "st-u", FullName: "Student U", Program: "Diploma", Level: "Year 1, Semester 1", Term: "Year 1, Semester 1", Status: models.StudentStatusActive})
	store.groups[0].StudentIDs = append(store.groups[0].StudentIDs, "st-u")
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	require.ErrorIs(t, err, appErrors.ErrDraftOutOfDate)
	assert.Equal(t, []string{"st-u"}, appErrors.FromError(err).Details)
	assert.Zero(t, fees.calls)
}

func TestPromotionCommitCreditsBursary(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	bursaryID := "bursary-1"
	students.students[0].BursaryID = &bursaryID
	ledger := ledgers["st-s"]
	ledger.Bursary = &models.Bursary{ID: bursaryID, Value: money(100000), Active: true}
	ledgers["st-s"] = ledger
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	result, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	require.NoError(t, err)

	outcome := result.Outcomes[0]
	assert.True(t, money(400000).Equal(outcome.Arrears), outcome.Arrears.String())
	// 650,000 term fees + 400,000 arrears - 100,000 bursary
	assert.True(t, money(950000).Equal(outcome.NewBalance), outcome.NewBalance.String())

	promoted := store.applied.Students[0]
	assert.True(t, money(950000).Equal(promoted.CurrentBalance))
	assert.True(t, money(1550000).Equal(promoted.TotalFeesToDate), promoted.TotalFeesToDate.String())
	require.Len(t, promoted.PromotionHistory, 1)
	assert.True(t, money(100000).Equal(promoted.PromotionHistory[0].SnapshotBursaryValue))
	assert.Equal(t, &bursaryID, promoted.BursaryID)
}

func TestPromotionCommitCarriesOverpaymentCredit(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	ledger := ledgers["st-s"]
	ledger.Payments = []models.Payment{{ID: "p-s", StudentID: "st-s", Amount: money(600000)}}
	ledgers["st-s"] = ledger
	svc := newCommitServiceForTest(store, students, ledgers, fees)

	result, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	require.NoError(t, err)

	outcome := result.Outcomes[0]
	assert.True(t, money(-100000).Equal(outcome.Arrears))
	assert.True(t, money(550000).Equal(outcome.NewBalance), outcome.NewBalance.String())
	assert.True(t, money(650000).Equal(outcome.NewTotalFees))

	plan := store.applied
	require.Len(t, plan.Lines, 3)
	credit := plan.Lines[2]
	assert.Equal(t, models.BillingTypeCreditForward, credit.Type)
	assert.True(t, money(-100000).Equal(credit.Amount))
	assert.Equal(t, "Year 1, Semester 2", credit.Term)
	assert.True(t, money(1150000).Equal(plan.Students[0].TotalFeesToDate))
	assert.Contains(t, plan.PaymentTags, models.PaymentTermTag{PaymentID: "p-s", Term: "Year 1, Semester 1"})
}

func TestPromotionCommitLogsMissingConfigurationAsInfo(t *testing.T) {
	store, students, ledgers, fees := commitFixture()
	fees.configs = map[string]*models.FeeConfiguration{}
	core, logs := observer.New(zapcore.DebugLevel)
	svc := NewPromotionCommitService(store, students, ledgers, fees, nil, zap.New(core),
		WithCommitClock(func() time.Time { return commitAt }))

	_, err := svc.Commit(context.Background(), "b1", nil, "bursar-1")
	require.NoError(t, err)

	entries := logs.FilterMessage("destination level has no fee configuration").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}
