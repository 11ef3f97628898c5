package dto

import (
	"github.com/noah-isme/sma-finance-api/internal/models"
)

// CreatePromotionBatchRequest opens a draft batch for one program level.
type CreatePromotionBatchRequest struct {
	Name        string              `json:"name" validate:"required,max=120"`
	Program     string              `json:"program" validate:"required"`
	SourceLevel string              `json:"source_level" validate:"required"`
	Destination *DestinationRequest `json:"destination,omitempty"`
}

// DestinationRequest sets where a group is sent. An empty body means the default destination.
type DestinationRequest struct {
	Action  models.PromotionAction `json:"action" validate:"omitempty,oneof=promote graduate deactivate"`
	ToLevel string                 `json:"to_level" validate:"max=120"`
}

// AssignStudentRequest moves a student into a group.
type AssignStudentRequest struct {
	GroupID string `json:"group_id" validate:"required"`
}

// CommitPromotionRequest lists the students whose warnings the operator accepted.
type CommitPromotionRequest struct {
	AcknowledgedStudentIDs []string `json:"acknowledged_student_ids"`
}

// PromotionBatchQuery mirrors supported listing filters.
type PromotionBatchQuery struct {
	Program string `form:"program"`
	Status  string `form:"status"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

// PopulationQuery selects a program level.
type PopulationQuery struct {
	Program string `form:"program" validate:"required"`
	Level   string `form:"level" validate:"required"`
}

// ValidationReport is returned by the validate step.
type ValidationReport struct {
	BatchID  string                    `json:"batch_id"`
	Warnings []models.PromotionWarning `json:"warnings"`
}

// AssignmentResult reports how many students an operation placed.
type AssignmentResult struct {
	BatchID  string `json:"batch_id"`
	GroupID  string `json:"group_id"`
	Assigned int    `json:"assigned"`
}
