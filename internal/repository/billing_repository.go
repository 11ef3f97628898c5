package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// BillingRepository reads billing lines, payments and bursaries. Billing lines are append-only:
// only inserts are exposed, and payments only ever gain a term tag.
type BillingRepository struct {
	db *sqlx.DB
}

// NewBillingRepository constructs a BillingRepository.
func NewBillingRepository(db *sqlx.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// Ledgers loads lines, payments and the bursary of every student in one pass per table.
func (r *BillingRepository) Ledgers(ctx context.Context, students []models.Student) (map[string]models.StudentLedger, error) {
	result := make(map[string]models.StudentLedger, len(students))
	if len(students) == 0 {
		return result, nil
	}
	ids := make([]string, 0, len(students))
	bursaryIDs := make([]string, 0)
	for _, st := range students {
		ids = append(ids, st.ID)
		result[st.ID] = models.StudentLedger{}
		if st.BursaryID != nil && *st.BursaryID != "" {
			bursaryIDs = append(bursaryIDs, *st.BursaryID)
		}
	}

	var lines []models.BillingLine
	const linesQuery = `SELECT id, student_id, term, type, service_id, description, amount, paid, balance, batch_id, created_at
	FROM billing_lines WHERE student_id = ANY($1) ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &lines, linesQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list billing lines: %w", err)
	}
	for _, line := range lines {
		ledger := result[line.StudentID]
		ledger.Lines = append(ledger.Lines, line)
		result[line.StudentID] = ledger
	}

	var payments []models.Payment
	const paymentsQuery = `SELECT id, student_id, term, amount, reference, paid_at
	FROM payments WHERE student_id = ANY($1) ORDER BY paid_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &payments, paymentsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		ledger := result[p.StudentID]
		ledger.Payments = append(ledger.Payments, p)
		result[p.StudentID] = ledger
	}

	if len(bursaryIDs) == 0 {
		return result, nil
	}
	var bursaries []models.Bursary
	const bursaryQuery = `SELECT id, name, value, active FROM bursaries WHERE id = ANY($1)`
	if err := r.db.SelectContext(ctx, &bursaries, bursaryQuery, pq.Array(bursaryIDs)); err != nil {
		return nil, fmt.Errorf("list bursaries: %w", err)
	}
	byID := make(map[string]models.Bursary, len(bursaries))
	for _, b := range bursaries {
		byID[b.ID] = b
	}
	for _, st := range students {
		if st.BursaryID == nil {
			continue
		}
		if b, ok := byID[*st.BursaryID]; ok {
			ledger := result[st.ID]
			bursary := b
			ledger.Bursary = &bursary
			result[st.ID] = ledger
		}
	}
	return result, nil
}

const insertLineQuery = `INSERT INTO billing_lines (id, student_id, term, type, service_id, description, amount, paid, balance, batch_id, created_at)
	VALUES (:id, :student_id, :term, :type, :service_id, :description, :amount, :paid, :balance, :batch_id, :created_at)`

func insertLines(ctx context.Context, exec sqlx.ExtContext, lines []models.BillingLine) error {
	for i := range lines {
		line := &lines[i]
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.CreatedAt.IsZero() {
			line.CreatedAt = time.Now().UTC()
		}
		if _, err := sqlx.NamedExecContext(ctx, exec, insertLineQuery, line); err != nil {
			return fmt.Errorf("insert billing line for %s: %w", line.StudentID, err)
		}
	}
	return nil
}

// tagPayments attributes untagged payments; rows that already carry a term are left alone.
func tagPayments(ctx context.Context, exec sqlx.ExtContext, tags []models.PaymentTermTag) error {
	const query = `UPDATE payments SET term = $2 WHERE id = $1 AND term IS NULL`
	for _, tag := range tags {
		if _, err := exec.ExecContext(ctx, query, tag.PaymentID, tag.Term); err != nil {
			return fmt.Errorf("tag payment %s: %w", tag.PaymentID, err)
		}
	}
	return nil
}
