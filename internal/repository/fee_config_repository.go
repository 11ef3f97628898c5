package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// FeeConfigRepository reads fee configurations, the service catalog and program level lists.
type FeeConfigRepository struct {
	db *sqlx.DB
}

// NewFeeConfigRepository constructs a FeeConfigRepository.
func NewFeeConfigRepository(db *sqlx.DB) *FeeConfigRepository {
	return &FeeConfigRepository{db: db}
}

const feeConfigColumns = `id, program, level, level_key, tuition, services, requirements, updated_at`

// FindByLevelKey returns the configuration of a program level or sql.ErrNoRows.
func (r *FeeConfigRepository) FindByLevelKey(ctx context.Context, program, levelKey string) (*models.FeeConfiguration, error) {
	query := fmt.Sprintf("SELECT %s FROM fee_configurations WHERE program = $1 AND level_key = $2", feeConfigColumns)
	var cfg models.FeeConfiguration
	if err := r.db.GetContext(ctx, &cfg, query, program, levelKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find fee configuration: %w", err)
	}
	return &cfg, nil
}

// ListByProgram returns every configured level of a program.
func (r *FeeConfigRepository) ListByProgram(ctx context.Context, program string) ([]models.FeeConfiguration, error) {
	query := fmt.Sprintf("SELECT %s FROM fee_configurations WHERE program = $1 ORDER BY level ASC", feeConfigColumns)
	var configs []models.FeeConfiguration
	if err := r.db.SelectContext(ctx, &configs, query, program); err != nil {
		return nil, fmt.Errorf("list fee configurations: %w", err)
	}
	return configs, nil
}

// ListCatalog returns the active service catalog.
func (r *FeeConfigRepository) ListCatalog(ctx context.Context) ([]models.ServiceCatalogItem, error) {
	const query = `SELECT id, name, cost, active FROM service_catalog WHERE active = TRUE ORDER BY name ASC`
	var items []models.ServiceCatalogItem
	if err := r.db.SelectContext(ctx, &items, query); err != nil {
		return nil, fmt.Errorf("list service catalog: %w", err)
	}
	return items, nil
}

// FindProgram returns the ordered level list of a program or sql.ErrNoRows.
func (r *FeeConfigRepository) FindProgram(ctx context.Context, name string) (*models.Program, error) {
	const query = `SELECT name, levels FROM programs WHERE name = $1`
	var program models.Program
	if err := r.db.GetContext(ctx, &program, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find program: %w", err)
	}
	return &program, nil
}

// ApplyStructure upserts the configuration and writes every recomputed student, adjustment
// line and audit entry in a single transaction.
func (r *FeeConfigRepository) ApplyStructure(ctx context.Context, plan *models.FeeStructurePlan) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fee structure tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertFeeConfig(ctx, tx, &plan.Configuration); err != nil {
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
	for i := range plan.AuditLogs {
		if err = insertAuditLog(ctx, tx, &plan.AuditLogs[i]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit fee structure tx: %w", err)
	}
	return nil
}

const upsertFeeConfigQuery = `INSERT INTO fee_configurations (id, program, level, level_key, tuition, services, requirements, updated_at)
	VALUES (:id, :program, :level, :level_key, :tuition, :services, :requirements, :updated_at)
	ON CONFLICT (program, level_key) DO UPDATE SET level = EXCLUDED.level, tuition = EXCLUDED.tuition,
	services = EXCLUDED.services, requirements = EXCLUDED.requirements, updated_at = EXCLUDED.updated_at`

func upsertFeeConfig(ctx context.Context, exec sqlx.ExtContext, cfg *models.FeeConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	if cfg.Services == nil {
		cfg.Services = pq.StringArray{}
	}
	if _, err := sqlx.NamedExecContext(ctx, exec, upsertFeeConfigQuery, cfg); err != nil {
		return fmt.Errorf("upsert fee configuration: %w", err)
	}
	return nil
}
