package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus captures the promotion batch lifecycle.
type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "draft"
	BatchStatusCommitted BatchStatus = "committed"
)

// PromotionAction is the outcome applied to a student.
type PromotionAction string

const (
	PromotionActionPromote    PromotionAction = "promote"
	PromotionActionGraduate   PromotionAction = "graduate"
	PromotionActionDeactivate PromotionAction = "deactivate"
)

// Terminal reports whether the action ends the student's progression.
func (a PromotionAction) Terminal() bool {
	return a == PromotionActionGraduate || a == PromotionActionDeactivate
}

// Valid reports whether the action is known.
func (a PromotionAction) Valid() bool {
	return a == PromotionActionPromote || a.Terminal()
}

// GroupKind distinguishes the primary group from exceptions.
type GroupKind string

const (
	GroupKindPrimary   GroupKind = "primary"
	GroupKindException GroupKind = "exception"
)

// PromotionBatch is a named draft of level transitions for one program level.
type PromotionBatch struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Program     string      `db:"program" json:"program"`
	SourceLevel string      `db:"source_level" json:"source_level"`
	Status      BatchStatus `db:"status" json:"status"`
	CreatedBy   string      `db:"created_by" json:"created_by"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
	CommittedAt *time.Time  `db:"committed_at" json:"committed_at,omitempty"`
	CommittedBy *string     `db:"committed_by" json:"committed_by,omitempty"`
}

// Committed reports whether the batch is immutable.
func (b PromotionBatch) Committed() bool {
	return b.Status == BatchStatusCommitted
}

// PromotionBatchFilter constrains batch listings.
type PromotionBatchFilter struct {
	Program string
	Status  BatchStatus
	Limit   int
	Offset  int
}

// Destination is where a group of students is sent.
type Destination struct {
	Action  PromotionAction `json:"action"`
	ToLevel string          `json:"to_level"`
}

// PromotionGroup is one partition of the batch population.
type PromotionGroup struct {
	ID         string          `db:"id" json:"id"`
	BatchID    string          `db:"batch_id" json:"batch_id"`
	Kind       GroupKind       `db:"kind" json:"kind"`
	Action     PromotionAction `db:"action" json:"action"`
	ToLevel    string          `db:"to_level" json:"to_level"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	StudentIDs []string        `db:"-" json:"student_ids"`
}

// Destination returns the group's outcome.
func (g PromotionGroup) Destination() Destination {
	return Destination{Action: g.Action, ToLevel: g.ToLevel}
}

// PromotionGroupMember links a student to exactly one group of a batch.
type PromotionGroupMember struct {
	BatchID   string `db:"batch_id" json:"batch_id"`
	GroupID   string `db:"group_id" json:"group_id"`
	StudentID string `db:"student_id" json:"student_id"`
}

// PromotionChange is the persisted per-student decision of a batch.
type PromotionChange struct {
	ID        string          `db:"id" json:"id"`
	BatchID   string          `db:"batch_id" json:"batch_id"`
	StudentID string          `db:"student_id" json:"student_id"`
	FromLevel string          `db:"from_level" json:"from_level"`
	ToLevel   string          `db:"to_level" json:"to_level"`
	Action    PromotionAction `db:"action" json:"action"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// PromotionBatchDetail bundles a batch with its partition and persisted changes.
type PromotionBatchDetail struct {
	PromotionBatch
	Groups     []PromotionGroup  `json:"groups"`
	Changes    []PromotionChange `json:"changes"`
	Unassigned []string          `json:"unassigned"`
}

// WarningCodeHistoryConflict flags a destination the student has already passed through.
const WarningCodeHistoryConflict = "HISTORY_CONFLICT"

// PromotionWarning is a soft validation finding that must be acknowledged before commit.
type PromotionWarning struct {
	Code        string `json:"code"`
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	ToLevel     string `json:"to_level"`
	Message     string `json:"message"`
}

// PromotionOutcome is the reconciled position of one student, used by preview and commit.
type PromotionOutcome struct {
	StudentID            string          `json:"student_id"`
	FullName             string          `json:"full_name"`
	FromLevel            string          `json:"from_level"`
	ToLevel              string          `json:"to_level"`
	Action               PromotionAction `json:"action"`
	Arrears              decimal.Decimal `json:"arrears"`
	TermFees             decimal.Decimal `json:"term_fees"`
	NewTotalFees         decimal.Decimal `json:"new_total_fees"`
	NewBalance           decimal.Decimal `json:"new_balance"`
	NewTotalFeesToDate   decimal.Decimal `json:"new_total_fees_to_date"`
	Lines                []BillingLine   `json:"lines"`
	ConfigurationMissing bool            `json:"configuration_missing"`
	SkippedServices      []string        `json:"skipped_services,omitempty"`
}

// PromotionPreview is a dry-run of a batch commit.
type PromotionPreview struct {
	Batch    PromotionBatch     `json:"batch"`
	Outcomes []PromotionOutcome `json:"outcomes"`
	Warnings []PromotionWarning `json:"warnings"`
}

// CommitPlan is the complete write set of a batch commit, built before anything is written.
type CommitPlan struct {
	Batch       PromotionBatch
	CommittedBy string
	CommittedAt time.Time
	Students    []Student
	Lines       []BillingLine
	PaymentTags []PaymentTermTag
	AuditLogs   []AuditLog
}

// CommitResult is returned to the operator after a successful commit.
type CommitResult struct {
	Batch    PromotionBatch     `json:"batch"`
	Students int                `json:"students"`
	Lines    int                `json:"lines"`
	Outcomes []PromotionOutcome `json:"outcomes"`
}
