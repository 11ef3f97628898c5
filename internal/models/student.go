package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// StudentStatus enumerates roster states.
type StudentStatus string

const (
	StudentStatusActive    StudentStatus = "active"
	StudentStatusEnrolled  StudentStatus = "enrolled"
	StudentStatusSuspended StudentStatus = "suspended"
	StudentStatusProbation StudentStatus = "probation"
	StudentStatusGraduated StudentStatus = "graduated"
	StudentStatusInactive  StudentStatus = "inactive"
)

// Student is the roster record together with its running financial position.
type Student struct {
	ID                   string           `db:"id" json:"id"`
	AdmissionNo          string           `db:"admission_no" json:"admission_no"`
	FullName             string           `db:"full_name" json:"full_name"`
	Program              string           `db:"program" json:"program"`
	Level                string           `db:"level" json:"level"`
	LevelKey             string           `db:"level_key" json:"level_key"`
	Term                 string           `db:"term" json:"term"`
	Status               StudentStatus    `db:"status" json:"status"`
	Services             pq.StringArray   `db:"services" json:"services"`
	TotalFeesToDate      decimal.Decimal  `db:"total_fees_to_date" json:"total_fees_to_date"`
	CurrentBalance       decimal.Decimal  `db:"current_balance" json:"current_balance"`
	PreviousBalanceCarry decimal.Decimal  `db:"previous_balance_carry" json:"previous_balance_carry"`
	BursaryID            *string          `db:"bursary_id" json:"bursary_id,omitempty"`
	Requirements         Requirements     `db:"requirements" json:"requirements"`
	PromotionHistory     PromotionHistory `db:"promotion_history" json:"promotion_history"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// CurrentTerm returns the term label billing lines are filed under, falling back to the level label.
func (s Student) CurrentTerm() string {
	if s.Term != "" {
		return s.Term
	}
	return s.Level
}

// Requirement tracks a physical item the student must bring for their level.
type Requirement struct {
	Name     string `json:"name"`
	Required int    `json:"required"`
	Brought  int    `json:"brought"`
	Legacy   bool   `json:"legacy,omitempty"`
}

// Satisfied reports whether the full required quantity has been brought.
func (r Requirement) Satisfied() bool {
	return r.Required > 0 && r.Brought >= r.Required
}

// Requirements is stored as a jsonb array.
type Requirements []Requirement

// Scan implements sql.Scanner.
func (r *Requirements) Scan(src interface{}) error {
	return scanJSONB(src, r)
}

// Value implements driver.Valuer.
func (r Requirements) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return jsonbValue([]Requirement(r))
}

// PromotionHistoryEntry is appended to a student when a batch commits. It is never edited afterwards.
type PromotionHistoryEntry struct {
	BatchID              string          `json:"batch_id"`
	FromLevel            string          `json:"from_level"`
	ToLevel              string          `json:"to_level"`
	Action               PromotionAction `json:"action"`
	TransitionedAt       time.Time       `json:"transitioned_at"`
	SnapshotArrears      decimal.Decimal `json:"snapshot_arrears"`
	SnapshotServices     []string        `json:"snapshot_services"`
	SnapshotBursaryID    *string         `json:"snapshot_bursary_id,omitempty"`
	SnapshotBursaryValue decimal.Decimal `json:"snapshot_bursary_value"`
	SnapshotRequirements Requirements    `json:"snapshot_requirements"`
}

// PromotionHistory is stored as a jsonb array ordered by transition time.
type PromotionHistory []PromotionHistoryEntry

// Scan implements sql.Scanner.
func (h *PromotionHistory) Scan(src interface{}) error {
	return scanJSONB(src, h)
}

// Value implements driver.Valuer.
func (h PromotionHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return jsonbValue([]PromotionHistoryEntry(h))
}

// StudentPopulationFilter selects the students eligible for a promotion batch.
type StudentPopulationFilter struct {
	Program  string
	LevelKey string
	Statuses []string
}
