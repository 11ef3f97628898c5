package reconcile

import "github.com/noah-isme/sma-finance-api/internal/models"

// ResetRequirements replaces the tracker with the destination's items, brought counters at zero.
// Fully satisfied items missing from the new list are kept as legacy records.
func ResetRequirements(current models.Requirements, items []models.RequiredItem) models.Requirements {
	return rebuildRequirements(current, items, false)
}

// MergeRequirements swaps in a revised item list for students staying at their level,
// keeping what they have already brought for items that remain on the list.
func MergeRequirements(current models.Requirements, items []models.RequiredItem) models.Requirements {
	return rebuildRequirements(current, items, true)
}

func rebuildRequirements(current models.Requirements, items []models.RequiredItem, keepBrought bool) models.Requirements {
	next := make(models.Requirements, 0, len(items))
	listed := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := Normalize(item.Name)
		listed[key] = struct{}{}
		req := models.Requirement{Name: item.Name, Required: item.Quantity}
		if keepBrought {
			for _, old := range current {
				if !old.Legacy && Normalize(old.Name) == key {
					req.Brought = old.Brought
					break
				}
			}
		}
		next = append(next, req)
	}
	for _, old := range current {
		if _, ok := listed[Normalize(old.Name)]; ok {
			continue
		}
		if old.Satisfied() {
			old.Legacy = true
			next = append(next, old)
		}
	}
	return next
}
