package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/dto"
	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/service"
)

type draftStub struct {
	created     dto.CreatePromotionBatchRequest
	groups      []*dto.DestinationRequest
	assigned    map[string]string
	remaining   bool
	persisted   bool
	assignErr   error
	actor       string
	unassigned  []string
	populations int
}

func newDraftStub() *draftStub {
	return &draftStub{assigned: map[string]string{}}
}

func (d *draftStub) LoadPopulation(ctx context.Context, program, level string) ([]models.Student, error) {
	d.populations++
	return []models.Student{{ID: "st-1", FullName: "Ana", Level: level, Status: models.StudentStatusActive}}, nil
}

func (d *draftStub) CreateBatch(ctx context.Context, req dto.CreatePromotionBatchRequest, actorID string) (*models.PromotionBatchDetail, error) {
	d.created = req
	d.actor = actorID
	return &models.PromotionBatchDetail{PromotionBatch: models.PromotionBatch{ID: "b1", Name: req.Name}}, nil
}

func (d *draftStub) Get(ctx context.Context, id string) (*models.PromotionBatchDetail, error) {
	return &models.PromotionBatchDetail{PromotionBatch: models.PromotionBatch{ID: id}, Unassigned: d.unassigned}, nil
}

func (d *draftStub) CreateExceptionGroup(ctx context.Context, batchID string, req *dto.DestinationRequest) (*models.PromotionGroup, error) {
	d.groups = append(d.groups, req)
	return &models.PromotionGroup{ID: "g" + string(rune('1'+len(d.groups))), BatchID: batchID}, nil
}

func (d *draftStub) Assign(ctx context.Context, batchID, studentID, groupID string) error {
	if d.assignErr != nil {
		return d.assignErr
	}
	d.assigned[studentID] = groupID
	return nil
}

func (d *draftStub) AssignRemaining(ctx context.Context, batchID string) (*dto.AssignmentResult, error) {
	d.remaining = true
	return &dto.AssignmentResult{BatchID: batchID, GroupID: "g1", Assigned: 4}, nil
}

func (d *draftStub) Validate(ctx context.Context, batchID string) ([]models.PromotionWarning, error) {
	return []models.PromotionWarning{{Code: models.WarningCodeHistoryConflict, StudentID: "st-3"}}, nil
}

func (d *draftStub) PersistDraft(ctx context.Context, batchID string) ([]models.PromotionChange, error) {
	d.persisted = true
	return make([]models.PromotionChange, 6), nil
}

type commitStub struct {
	acknowledged []string
	called       bool
}

func (c *commitStub) Preview(ctx context.Context, batchID string) (*models.PromotionPreview, error) {
	return &models.PromotionPreview{Batch: models.PromotionBatch{ID: batchID}}, nil
}

func (c *commitStub) Commit(ctx context.Context, batchID string, acknowledged []string, actorID string) (*models.CommitResult, error) {
	c.called = true
	c.acknowledged = acknowledged
	return &models.CommitResult{Batch: models.PromotionBatch{ID: batchID, Status: models.BatchStatusCommitted}, Students: 6}, nil
}

type exportStub struct{}

func (exportStub) ExportPreview(ctx context.Context, batchID, format string) (*service.ExportFile, error) {
	return &service.ExportFile{Filename: "preview." + format, ContentType: "text/csv", Data: []byte("id\n")}, nil
}

type feeStub struct {
	req models.FeeStructureRequest
}

func (f *feeStub) Apply(ctx context.Context, req models.FeeStructureRequest, actorID string) (*models.FeeStructureResult, error) {
	f.req = req
	return &models.FeeStructureResult{}, nil
}

type backfillStub struct {
	dryRun bool
}

func (b *backfillStub) Backfill(ctx context.Context, program string, dryRun bool, actorID string) (*service.BackfillResult, error) {
	b.dryRun = dryRun
	return &service.BackfillResult{Program: program, DryRun: dryRun}, nil
}

func runCLI(t *testing.T, backend *Backend, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	closed := false
	open := func(ctx context.Context) (*Backend, func() error, error) {
		return backend, func() error { closed = true; return nil }, nil
	}
	root := NewRootCommand(open, &out)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	if err == nil {
		assert.True(t, closed)
	}
	return out.String(), err
}

func TestPopulationCommandPrintsJSON(t *testing.T) {
	drafts := newDraftStub()
	out, err := runCLI(t, &Backend{Drafts: drafts}, "population", "--program", "Diploma", "--level", "Year 1", "-o", "json")
	require.NoError(t, err)

	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Ana", rows[0]["name"])
	assert.Equal(t, "0.00", rows[0]["balance"])
}

func TestBatchCreatePassesDestination(t *testing.T) {
	drafts := newDraftStub()
	out, err := runCLI(t, &Backend{Drafts: drafts}, "batch", "create",
		"--name", "Y1", "--program", "Diploma", "--level", "Year 1, Semester 1",
		"--action", "graduate", "--actor", "admin-1")
	require.NoError(t, err)
	require.NotNil(t, drafts.created.Destination)
	assert.Equal(t, models.PromotionActionGraduate, drafts.created.Destination.Action)
	assert.Equal(t, "admin-1", drafts.actor)
	assert.Contains(t, out, "id: b1")
}

func TestBatchCommitRequiresConfirmation(t *testing.T) {
	commits := &commitStub{}
	_, err := runCLI(t, &Backend{Commits: commits}, "batch", "commit", "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
	assert.False(t, commits.called)

	_, err = runCLI(t, &Backend{Commits: commits}, "batch", "commit", "b1", "--yes", "--ack", "st-3, st-4")
	require.NoError(t, err)
	assert.Equal(t, []string{"st-3", "st-4"}, commits.acknowledged)
}

func TestBatchPreviewExportWritesFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.csv")
	_, err := runCLI(t, &Backend{Exports: exportStub{}}, "batch", "preview", "b1", "--export", "csv", "--out", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "id\n", string(data))
}

func TestUnsupportedOutputFormat(t *testing.T) {
	_, err := runCLI(t, &Backend{Drafts: newDraftStub()}, "batch", "show", "b1", "-o", "xml")
	require.Error(t, err)
}

const samplePlan = `name: Y1S1 to Y1S2
program: Diploma
source_level: Year 1, Semester 1
exceptions:
  - destination:
      action: promote
      to_level: Year 1, Semester 1
    students: [st-3]
  - destination:
      action: deactivate
    students: [st-7, st-8]
assign_remaining: true
persist: true
`

func TestApplyPlan(t *testing.T) {
	plan, err := ReadPlan(strings.NewReader(samplePlan))
	require.NoError(t, err)

	drafts := newDraftStub()
	result, err := ApplyPlan(context.Background(), drafts, plan, "admin-1")
	require.NoError(t, err)

	assert.Nil(t, drafts.created.Destination)
	require.Len(t, drafts.groups, 2)
	assert.Equal(t, models.PromotionActionDeactivate, drafts.groups[1].Action)
	assert.Equal(t, drafts.assigned["st-7"], drafts.assigned["st-8"])
	assert.NotEqual(t, drafts.assigned["st-3"], drafts.assigned["st-7"])
	assert.True(t, drafts.remaining)
	assert.True(t, drafts.persisted)

	assert.Equal(t, 3, result.Groups)
	assert.Equal(t, 7, result.Assigned)
	assert.Equal(t, 6, result.Persisted)
	assert.Len(t, result.Warnings, 1)
}

func TestApplyPlanStopsOnAssignmentError(t *testing.T) {
	plan, err := ReadPlan(strings.NewReader(samplePlan))
	require.NoError(t, err)

	drafts := newDraftStub()
	drafts.assignErr = errors.New("not in population")
	result, err := ApplyPlan(context.Background(), drafts, plan, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "st-3")
	assert.Equal(t, "b1", result.BatchID)
	assert.False(t, drafts.persisted)
}

func TestReadPlanRejectsUnknownKeys(t *testing.T) {
	_, err := ReadPlan(strings.NewReader("name: x\nprogramme: Diploma\n"))
	assert.Error(t, err)
}

func TestFeesApplyParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`program: Diploma
level: Year 1, Semester 2
tuition: "1100000.50"
services: [svc-lab]
requirements:
  - name: Ream of paper
    quantity: 2
`), 0o600))

	fees := &feeStub{}
	_, err := runCLI(t, &Backend{Fees: fees}, "fees", "apply", "-f", path)
	require.NoError(t, err)
	assert.Equal(t, "1100000.5", fees.req.Tuition.String())
	assert.Equal(t, []string{"svc-lab"}, fees.req.Services)
	require.Len(t, fees.req.Requirements, 1)
	assert.Equal(t, 2, fees.req.Requirements[0].Quantity)
}

func TestFeeStructureFileRejectsBadTuition(t *testing.T) {
	_, err := FeeStructureFile{Tuition: "abc"}.Request()
	assert.Error(t, err)
}

func TestLevelsBackfillDryRun(t *testing.T) {
	backfill := &backfillStub{}
	out, err := runCLI(t, &Backend{Backfill: backfill}, "levels", "backfill", "--program", "Diploma", "--dry-run")
	require.NoError(t, err)
	assert.True(t, backfill.dryRun)
	assert.Contains(t, out, "dry_run: true")
}
