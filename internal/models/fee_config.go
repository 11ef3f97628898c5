package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// RequiredItem is a physical item a level expects each student to bring.
type RequiredItem struct {
	Name     string `json:"name" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

// RequiredItems is stored as a jsonb array.
type RequiredItems []RequiredItem

// Scan implements sql.Scanner.
func (r *RequiredItems) Scan(src interface{}) error {
	return scanJSONB(src, r)
}

// Value implements driver.Valuer.
func (r RequiredItems) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return jsonbValue([]RequiredItem(r))
}

// FeeConfiguration holds tuition, compulsory services and required items for one program level.
type FeeConfiguration struct {
	ID           string          `db:"id" json:"id"`
	Program      string          `db:"program" json:"program"`
	Level        string          `db:"level" json:"level"`
	LevelKey     string          `db:"level_key" json:"level_key"`
	Tuition      decimal.Decimal `db:"tuition" json:"tuition"`
	Services     pq.StringArray  `db:"services" json:"services"`
	Requirements RequiredItems   `db:"requirements" json:"requirements"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// ServiceCatalogItem is a recurring service that can be billed per term.
type ServiceCatalogItem struct {
	ID     string          `db:"id" json:"id"`
	Name   string          `db:"name" json:"name"`
	Cost   decimal.Decimal `db:"cost" json:"cost"`
	Active bool            `db:"active" json:"active"`
}

// ServiceCatalog indexes active catalog items by id.
type ServiceCatalog map[string]ServiceCatalogItem

// Program lists the ordered levels a student passes through.
type Program struct {
	Name   string         `db:"name" json:"name"`
	Levels pq.StringArray `db:"levels" json:"levels"`
}

// FeeStructureRequest replaces the fee structure of a level and recomputes its students.
type FeeStructureRequest struct {
	Program      string          `json:"program" validate:"required"`
	Level        string          `json:"level" validate:"required"`
	Tuition      decimal.Decimal `json:"tuition"`
	Services     []string        `json:"services" validate:"dive,required"`
	Requirements []RequiredItem  `json:"requirements" validate:"dive"`
}

// FeeStructureStudentResult reports the recomputed position of one student.
type FeeStructureStudentResult struct {
	StudentID          string          `json:"student_id"`
	FullName           string          `json:"full_name"`
	TermFees           decimal.Decimal `json:"term_fees"`
	Arrears            decimal.Decimal `json:"arrears"`
	Credits            decimal.Decimal `json:"credits"`
	PreviousBalance    decimal.Decimal `json:"previous_balance"`
	NewBalance         decimal.Decimal `json:"new_balance"`
	NewTotalFeesToDate decimal.Decimal `json:"new_total_fees_to_date"`
	Adjustments        int             `json:"adjustments"`
}

// FeeStructureResult summarises a fee structure update.
type FeeStructureResult struct {
	Configuration   FeeConfiguration            `json:"configuration"`
	Students        []FeeStructureStudentResult `json:"students"`
	SkippedServices []string                    `json:"skipped_services,omitempty"`
}

// FeeStructurePlan is the write set of a fee structure update.
type FeeStructurePlan struct {
	Configuration FeeConfiguration
	Students      []Student
	Lines         []BillingLine
	AuditLogs     []AuditLog
}
