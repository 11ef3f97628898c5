package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

func TestFeeConfigRepositoryFindByLevelKey(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewFeeConfigRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_configurations WHERE program = $1 AND level_key = $2")).
		WithArgs("Diploma", "year1semester2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "program", "level", "level_key", "tuition", "services", "requirements", "updated_at"}).
			AddRow("cfg-1", "Diploma", "Year 1, Semester 2", "year1semester2", "600000", "{svc-lunch}", `[{"name":"Ream of paper","quantity":2}]`, time.Now()))

	cfg, err := repo.FindByLevelKey(context.Background(), "Diploma", "year1semester2")
	require.NoError(t, err)
	assert.True(t, cfg.Tuition.Equal(decimal.NewFromInt(600000)))
	assert.Equal(t, []string{"svc-lunch"}, []string(cfg.Services))
	require.Len(t, cfg.Requirements, 1)
	assert.Equal(t, 2, cfg.Requirements[0].Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeConfigRepositoryFindByLevelKeyMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewFeeConfigRepository(db)

	mock.ExpectQuery("FROM fee_configurations").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByLevelKey(context.Background(), "Diploma", "year9")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeConfigRepositoryFindProgram(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewFeeConfigRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, levels FROM programs WHERE name = $1")).
		WithArgs("Diploma").
		WillReturnRows(sqlmock.NewRows([]string{"name", "levels"}).AddRow("Diploma", `{"Year 1","Year 2"}`))

	program, err := repo.FindProgram(context.Background(), "Diploma")
	require.NoError(t, err)
	assert.Equal(t, []string{"Year 1", "Year 2"}, []string(program.Levels))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeeConfigRepositoryApplyStructure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewFeeConfigRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (program, level_key) DO UPDATE")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_lines")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	plan := &models.FeeStructurePlan{
		Configuration: models.FeeConfiguration{Program: "Diploma", Level: "Year 1", LevelKey: "year1", Tuition: decimal.NewFromInt(700000)},
		Students:      []models.Student{{ID: "s-1"}},
		Lines:         []models.BillingLine{{StudentID: "s-1", Term: "Year 1", Type: models.BillingTypeTuition, Amount: decimal.NewFromInt(100000)}},
		AuditLogs:     []models.AuditLog{{Action: models.AuditActionFeeStructureApply, Resource: "fee_configuration"}},
	}
	require.NoError(t, repo.ApplyStructure(context.Background(), plan))
	assert.NotEmpty(t, plan.Configuration.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
