package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// RecomputeInput re-bills a student staying at their level under a revised fee configuration.
type RecomputeInput struct {
	Student   models.Student
	Ledger    models.StudentLedger
	Config    models.FeeConfiguration
	Catalog   models.ServiceCatalog
	At        time.Time
	Reference string
}

// RecomputeResult carries the adjustment lines and the settled position.
type RecomputeResult struct {
	Position           Position
	Lines              []models.BillingLine
	Delta              decimal.Decimal
	NewTotalFeesToDate decimal.Decimal
	Requirements       models.Requirements
	Services           []string
	SkippedServices    []string
	Student            models.Student
}

type chargeKey struct {
	kind      models.BillingType
	serviceID string
}

// Recompute brings the current term's charges in line with cfg using append-only
// adjustment lines and settles the balance in InPlace mode.
func Recompute(in RecomputeInput) RecomputeResult {
	st := in.Student
	term := st.CurrentTerm()

	targets := map[chargeKey]decimal.Decimal{}
	names := map[chargeKey]string{}
	if in.Config.Tuition.IsPositive() {
		k := chargeKey{kind: models.BillingTypeTuition}
		targets[k] = in.Config.Tuition
		names[k] = "Tuition"
	}
	services := []string{}
	var skipped []string
	for _, id := range in.Config.Services {
		item, ok := in.Catalog[id]
		if !ok || item.Cost.IsNegative() {
			skipped = append(skipped, id)
			continue
		}
		services = append(services, id)
		k := chargeKey{kind: models.BillingTypeFunctionalFees, serviceID: id}
		targets[k] = targets[k].Add(item.Cost)
		names[k] = item.Name
	}

	current := map[chargeKey]decimal.Decimal{}
	for _, line := range in.Ledger.Lines {
		if line.Type.Carried() || !SameTerm(line.Term, term) {
			continue
		}
		k := chargeKey{kind: line.Type}
		if line.ServiceID != nil {
			k.serviceID = *line.ServiceID
		}
		current[k] = current[k].Add(line.Amount)
		if _, ok := names[k]; !ok {
			names[k] = string(k.kind)
			if k.serviceID != "" {
				names[k] = k.serviceID
			}
		}
	}

	keys := make([]chargeKey, 0, len(targets)+len(current))
	seen := map[chargeKey]struct{}{}
	for _, set := range []map[chargeKey]decimal.Decimal{targets, current} {
		for k := range set {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind > keys[j].kind
		}
		return keys[i].serviceID < keys[j].serviceID
	})

	var lines []models.BillingLine
	termFees := decimal.Zero
	for _, k := range keys {
		termFees = termFees.Add(targets[k])
		diff := targets[k].Sub(current[k])
		if diff.IsZero() {
			continue
		}
		var serviceID *string
		if k.serviceID != "" {
			id := k.serviceID
			serviceID = &id
		}
		desc := fmt.Sprintf("%s adjustment for %s", names[k], term)
		if in.Reference != "" {
			desc = fmt.Sprintf("%s (%s)", desc, in.Reference)
		}
		lines = append(lines, newLine(st.ID, term, k.kind, serviceID, desc, diff, in.At, ""))
	}

	delta := sumLines(lines)
	grown := st.TotalFeesToDate
	if delta.IsPositive() {
		grown = grown.Add(delta)
	}
	pos := Settle(InPlace, st, in.Ledger, termFees, decimal.Zero)

	res := RecomputeResult{
		Position:           pos,
		Lines:              lines,
		Delta:              delta,
		NewTotalFeesToDate: grown,
		Requirements:       MergeRequirements(st.Requirements, in.Config.Requirements),
		Services:           services,
		SkippedServices:    skipped,
	}
	next := st
	next.Services = services
	next.Requirements = res.Requirements
	next.TotalFeesToDate = grown
	next.CurrentBalance = pos.Balance
	if in.Config.LevelKey != "" {
		next.LevelKey = in.Config.LevelKey
	}
	next.UpdatedAt = in.At
	res.Student = next
	return res
}
