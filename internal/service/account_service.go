package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-finance-api/internal/models"
	"github.com/noah-isme/sma-finance-api/internal/reconcile"
	appErrors "github.com/noah-isme/sma-finance-api/pkg/errors"
)

type studentFinder interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type auditTrailReader interface {
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

// AccountService answers read-only questions about student accounts and batch history.
type AccountService struct {
	students studentFinder
	ledgers  ledgerReader
	audit    auditTrailReader
	logger   *zap.Logger
}

// NewAccountService constructs the service.
func NewAccountService(students studentFinder, ledgers ledgerReader, audit auditTrailReader, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{students: students, ledgers: ledgers, audit: audit, logger: logger}
}

// Statement returns a student's billing lines, payments and current arrears.
func (s *AccountService) Statement(ctx context.Context, studentID string) (*models.StudentStatement, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	ledgers, err := s.ledgers.Ledgers(ctx, []models.Student{*student})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger")
	}
	ledger := ledgers[student.ID]

	statement := &models.StudentStatement{
		Student:  *student,
		Arrears:  reconcile.ArrearsSnapshot(*student, ledger),
		Lines:    ledger.Lines,
		Payments: ledger.Payments,
		Bursary:  ledger.Bursary,
	}
	if statement.Lines == nil {
		statement.Lines = []models.BillingLine{}
	}
	if statement.Payments == nil {
		statement.Payments = []models.Payment{}
	}
	return statement, nil
}

// BatchTrail returns the newest audit entries recorded against a promotion batch.
func (s *AccountService) BatchTrail(ctx context.Context, batchID string, limit int) ([]models.AuditLog, error) {
	logs, err := s.audit.ListByResource(ctx, "promotion_batch", batchID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}
