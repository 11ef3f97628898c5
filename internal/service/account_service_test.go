package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type studentFinderStub map[string]models.Student

func (s studentFinderStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	st, ok := s[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &st, nil
}

type auditTrailStub struct {
	resource string
	id       string
	logs     []models.AuditLog
}

func (a *auditTrailStub) ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error) {
	a.resource = resource
	a.id = resourceID
	return a.logs, nil
}

func TestAccountServiceStatement(t *testing.T) {
	term := "Year 1, Semester 1"
	students := studentFinderStub{"st-1": {ID: "st-1", FullName: "Ana", Level: term, Term: term, PreviousBalanceCarry: money(100000)}}
	ledgers := ledgerStub{"st-1": {
		Lines: []models.BillingLine{
			{StudentID: "st-1", Term: term, Type: models.BillingTypeTuition, Amount: money(500000)},
		},
		Payments: []models.Payment{{StudentID: "st-1", Amount: money(200000)}},
	}}
	svc := NewAccountService(students, ledgers, &auditTrailStub{}, nil)

	statement, err := svc.Statement(context.Background(), "st-1")
	require.NoError(t, err)
	assert.True(t, money(400000).Equal(statement.Arrears))
	assert.Len(t, statement.Lines, 1)
	assert.Len(t, statement.Payments, 1)
	assert.Nil(t, statement.Bursary)
}

func TestAccountServiceStatementNotFound(t *testing.T) {
	svc := NewAccountService(studentFinderStub{}, ledgerStub{}, &auditTrailStub{}, nil)

	_, err := svc.Statement(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.Statement(context.Background(), " ")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAccountServiceBatchTrail(t *testing.T) {
	audit := &auditTrailStub{}
	svc := NewAccountService(studentFinderStub{}, ledgerStub{}, audit, nil)

	logs, err := svc.BatchTrail(context.Background(), "b1", 10)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Equal(t, "promotion_batch", audit.resource)
	assert.Equal(t, "b1", audit.id)
}
