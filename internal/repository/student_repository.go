package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

const studentColumns = `id, admission_no, full_name, program, level, level_key, term, status, services,
	total_fees_to_date, current_balance, previous_balance_carry, bursary_id, requirements, promotion_history,
	created_at, updated_at`

// StudentRepository reads roster records and writes whole-record upserts.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// ListCandidates returns students of a program in the given statuses whose level key matches,
// plus every student of the program still missing a level key so the caller can apply the
// label fallback.
func (r *StudentRepository) ListCandidates(ctx context.Context, filter models.StudentPopulationFilter) ([]models.Student, error) {
	args := []interface{}{filter.Program, filter.LevelKey}
	conditions := []string{"program = $1", "(level_key = $2 OR level_key = '')"}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(filter.Statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := fmt.Sprintf("SELECT %s FROM students WHERE %s ORDER BY full_name ASC, id ASC", studentColumns, strings.Join(conditions, " AND "))

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, fmt.Errorf("list population candidates: %w", err)
	}
	return students, nil
}

// FindByID fetches one student.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE id = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByIDs fetches the listed students. Missing ids are simply absent from the result.
func (r *StudentRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM students WHERE id = ANY($1) ORDER BY full_name ASC, id ASC", studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find students: %w", err)
	}
	return students, nil
}

// ListMissingLevelKey returns students whose level label has not been resolved to a key.
func (r *StudentRepository) ListMissingLevelKey(ctx context.Context, program string) ([]models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE level_key = '' AND program = $1 ORDER BY id ASC", studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, program); err != nil {
		return nil, fmt.Errorf("list students without level key: %w", err)
	}
	return students, nil
}

// UpdateLevelKey stores the resolved canonical level key.
func (r *StudentRepository) UpdateLevelKey(ctx context.Context, id, levelKey string) error {
	const query = `UPDATE students SET level_key = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, levelKey, time.Now().UTC()); err != nil {
		return fmt.Errorf("update level key: %w", err)
	}
	return nil
}

const upsertStudentQuery = `INSERT INTO students (id, admission_no, full_name, program, level, level_key, term, status, services,
	total_fees_to_date, current_balance, previous_balance_carry, bursary_id, requirements, promotion_history, created_at, updated_at)
	VALUES (:id, :admission_no, :full_name, :program, :level, :level_key, :term, :status, :services,
	:total_fees_to_date, :current_balance, :previous_balance_carry, :bursary_id, :requirements, :promotion_history, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET admission_no = EXCLUDED.admission_no, full_name = EXCLUDED.full_name,
	program = EXCLUDED.program, level = EXCLUDED.level, level_key = EXCLUDED.level_key, term = EXCLUDED.term,
	status = EXCLUDED.status, services = EXCLUDED.services, total_fees_to_date = EXCLUDED.total_fees_to_date,
	current_balance = EXCLUDED.current_balance, previous_balance_carry = EXCLUDED.previous_balance_carry,
	bursary_id = EXCLUDED.bursary_id, requirements = EXCLUDED.requirements,
	promotion_history = EXCLUDED.promotion_history, updated_at = EXCLUDED.updated_at`

func upsertStudent(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	if student.UpdatedAt.IsZero() {
		student.UpdatedAt = now
	}
	if student.Services == nil {
		student.Services = pq.StringArray{}
	}
	if _, err := sqlx.NamedExecContext(ctx, exec, upsertStudentQuery, student); err != nil {
		return fmt.Errorf("upsert student %s: %w", student.ID, err)
	}
	return nil
}
