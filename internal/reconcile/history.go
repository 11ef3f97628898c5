package reconcile

import (
	"fmt"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// VisitedLevel reports whether any history entry started or ended at level.
func VisitedLevel(history models.PromotionHistory, level string) bool {
	for _, entry := range history {
		if SameLevel(entry.FromLevel, level) || SameLevel(entry.ToLevel, level) {
			return true
		}
	}
	return false
}

// HistoryWarning returns a soft warning when a promotion would send the student to a level
// they have already passed through. Terminal outcomes are never flagged.
func HistoryWarning(student models.Student, dest models.Destination) *models.PromotionWarning {
	if dest.Action != models.PromotionActionPromote {
		return nil
	}
	if !VisitedLevel(student.PromotionHistory, dest.ToLevel) {
		return nil
	}
	return &models.PromotionWarning{
		Code:        models.WarningCodeHistoryConflict,
		StudentID:   student.ID,
		StudentName: student.FullName,
		ToLevel:     dest.ToLevel,
		Message:     fmt.Sprintf("%s has already been at %s", student.FullName, dest.ToLevel),
	}
}
