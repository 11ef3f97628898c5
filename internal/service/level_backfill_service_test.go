package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type levelKeyStoreStub struct {
	missing []models.Student
	updated map[string]string
}

func (s *levelKeyStoreStub) ListMissingLevelKey(ctx context.Context, program string) ([]models.Student, error) {
	return s.missing, nil
}

func (s *levelKeyStoreStub) UpdateLevelKey(ctx context.Context, id, levelKey string) error {
	if s.updated == nil {
		s.updated = map[string]string{}
	}
	s.updated[id] = levelKey
	return nil
}

func backfillFixture() *levelKeyStoreStub {
	return &levelKeyStoreStub{missing: []models.Student{
		{ID: "st-2", Program: "Diploma", Level: "Year 1 Semester 1 (legacy)"},
		{ID: "st-5", Program: "Diploma", Level: "year 2, semester 2"},
		{ID: "st-6", Program: "Diploma", Level: "Year 1"},
	}}
}

func TestLevelBackfillResolvesLabels(t *testing.T) {
	store := backfillFixture()
	audit := &mockAuditWriter{}
	svc := NewLevelBackfillService(store, programStub{}, audit, nil, nil)

	result, err := svc.Backfill(context.Background(), "Diploma", false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 2, result.Resolved)
	assert.Equal(t, []string{"st-6"}, result.Unresolved)
	assert.Equal(t, map[string]string{"st-2": "year1semester1", "st-5": "year2semester2"}, store.updated)

	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionLevelBackfill, audit.logs[0].Action)
	assert.Equal(t, "admin-1", *audit.logs[0].UserID)
}

func TestLevelBackfillDryRunWritesNothing(t *testing.T) {
	store := backfillFixture()
	audit := &mockAuditWriter{}
	svc := NewLevelBackfillService(store, programStub{}, audit, nil, nil)

	result, err := svc.Backfill(context.Background(), "Diploma", true, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Resolved)
	assert.True(t, result.DryRun)
	assert.Empty(t, store.updated)
	assert.Empty(t, audit.logs)
}

func TestLevelBackfillUnknownProgram(t *testing.T) {
	svc := NewLevelBackfillService(backfillFixture(), programStub{}, nil, nil, nil)

	_, err := svc.Backfill(context.Background(), "Certificate", false, "")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.Backfill(context.Background(), "", false, "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}
