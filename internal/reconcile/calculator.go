// Package reconcile computes student financial positions for level transitions and
// fee structure changes. It performs no I/O and reads no clock.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

var (
	// ErrUnknownAction is returned for outcomes other than promote, graduate and deactivate.
	ErrUnknownAction = errors.New("reconcile: unknown action")
	// ErrMissingDestination is returned when a promotion has no destination level.
	ErrMissingDestination = errors.New("reconcile: promotion without destination level")
)

// Input is everything needed to move one student through a batch outcome.
type Input struct {
	Student models.Student
	Ledger  models.StudentLedger
	Action  models.PromotionAction
	ToLevel string
	// Config is the destination level's fee configuration; nil when none is configured.
	Config  *models.FeeConfiguration
	Catalog models.ServiceCatalog
	At      time.Time
	BatchID string
}

// Result is the reconciled position and the records to write for one student.
type Result struct {
	Arrears              decimal.Decimal
	CarriedArrears       decimal.Decimal
	Position             Position
	Lines                []models.BillingLine
	NewTotalFees         decimal.Decimal
	NewTotalFeesToDate   decimal.Decimal
	Requirements         models.Requirements
	Services             []string
	PaymentTags          []models.PaymentTermTag
	History              models.PromotionHistoryEntry
	ConfigurationMissing bool
	SkippedServices      []string
	// Student is a copy of the input student with every change applied.
	Student models.Student
}

// Reconcile resolves one student's batch outcome.
func Reconcile(in Input) (Result, error) {
	if !in.Action.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
	if in.Action == models.PromotionActionPromote && Normalize(in.ToLevel) == "" {
		return Result{}, ErrMissingDestination
	}

	st := in.Student
	arrears := ArrearsSnapshot(st, in.Ledger)
	res := Result{Arrears: arrears}

	if in.Action.Terminal() {
		res.CarriedArrears = arrears
		res.Position = Position{Arrears: arrears, Balance: arrears}
		res.NewTotalFees = decimal.Zero
		res.NewTotalFeesToDate = st.TotalFeesToDate
		res.Requirements = st.Requirements
		res.Services = st.Services
	} else {
		term := in.ToLevel
		if in.Config == nil {
			res.ConfigurationMissing = true
			res.Requirements = ResetRequirements(st.Requirements, nil)
			res.Services = []string{}
		} else {
			lines, billed, skipped := termCharges(st.ID, term, *in.Config, in.Catalog, in.At, in.BatchID)
			res.Lines = lines
			res.Services = billed
			res.SkippedServices = skipped
			res.Requirements = ResetRequirements(st.Requirements, in.Config.Requirements)
		}
		termFees := sumLines(res.Lines)
		res.CarriedArrears = arrears
		switch {
		case arrears.IsPositive():
			res.Lines = append(res.Lines, newLine(st.ID, term, models.BillingTypeBroughtForward, nil,
				fmt.Sprintf("Balance brought forward from %s", st.CurrentTerm()), arrears, in.At, in.BatchID))
		case arrears.IsNegative():
			res.Lines = append(res.Lines, newLine(st.ID, term, models.BillingTypeCreditForward, nil,
				fmt.Sprintf("Credit brought forward from %s", st.CurrentTerm()), arrears, in.At, in.BatchID))
		}
		res.Position = Settle(Transition, st, in.Ledger, termFees, arrears)
		// A credit line is not a fee, so totals only grow by charges.
		res.NewTotalFees = sumCharges(res.Lines)
		res.NewTotalFeesToDate = st.TotalFeesToDate.Add(res.NewTotalFees)
	}

	res.PaymentTags = untaggedPayments(in.Ledger.Payments, st.CurrentTerm())
	res.History = models.PromotionHistoryEntry{
		BatchID:              in.BatchID,
		FromLevel:            st.Level,
		ToLevel:              in.ToLevel,
		Action:               in.Action,
		TransitionedAt:       in.At,
		SnapshotArrears:      arrears,
		SnapshotServices:     append([]string{}, st.Services...),
		SnapshotBursaryID:    st.BursaryID,
		SnapshotBursaryValue: BursaryValue(in.Ledger.Bursary),
		SnapshotRequirements: append(models.Requirements{}, st.Requirements...),
	}
	res.Student = applyResult(st, in, res)
	return res, nil
}

func applyResult(st models.Student, in Input, res Result) models.Student {
	next := st
	switch in.Action {
	case models.PromotionActionPromote:
		next.Level = in.ToLevel
		next.LevelKey = Normalize(in.ToLevel)
		if in.Config != nil && in.Config.LevelKey != "" {
			next.LevelKey = in.Config.LevelKey
		}
		next.Term = in.ToLevel
	case models.PromotionActionGraduate:
		next.Status = models.StudentStatusGraduated
	case models.PromotionActionDeactivate:
		next.Status = models.StudentStatusInactive
	}
	next.Services = res.Services
	next.Requirements = res.Requirements
	next.TotalFeesToDate = res.NewTotalFeesToDate
	next.CurrentBalance = res.Position.Balance
	history := make(models.PromotionHistory, 0, len(st.PromotionHistory)+1)
	history = append(history, st.PromotionHistory...)
	next.PromotionHistory = append(history, res.History)
	next.UpdatedAt = in.At
	return next
}

// termCharges bills tuition and every compulsory service still present in the catalog.
func termCharges(studentID, term string, cfg models.FeeConfiguration, catalog models.ServiceCatalog, at time.Time, batchID string) ([]models.BillingLine, []string, []string) {
	var lines []models.BillingLine
	billed := []string{}
	var skipped []string
	if cfg.Tuition.IsPositive() {
		lines = append(lines, newLine(studentID, term, models.BillingTypeTuition, nil,
			fmt.Sprintf("Tuition for %s", term), cfg.Tuition, at, batchID))
	}
	for _, id := range cfg.Services {
		item, ok := catalog[id]
		if !ok || item.Cost.IsNegative() {
			skipped = append(skipped, id)
			continue
		}
		billed = append(billed, id)
		if item.Cost.IsZero() {
			continue
		}
		serviceID := id
		lines = append(lines, newLine(studentID, term, models.BillingTypeFunctionalFees, &serviceID,
			fmt.Sprintf("%s for %s", item.Name, term), item.Cost, at, batchID))
	}
	return lines, billed, skipped
}

func untaggedPayments(payments []models.Payment, term string) []models.PaymentTermTag {
	var tags []models.PaymentTermTag
	for _, p := range payments {
		if p.Term == nil {
			tags = append(tags, models.PaymentTermTag{PaymentID: p.ID, Term: term})
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].PaymentID < tags[j].PaymentID })
	return tags
}

func newLine(studentID, term string, kind models.BillingType, serviceID *string, description string, amount decimal.Decimal, at time.Time, batchID string) models.BillingLine {
	line := models.BillingLine{
		StudentID:   studentID,
		Term:        term,
		Type:        kind,
		ServiceID:   serviceID,
		Description: description,
		Amount:      amount,
		Paid:        decimal.Zero,
		Balance:     amount,
		CreatedAt:   at,
	}
	if batchID != "" {
		id := batchID
		line.BatchID = &id
	}
	return line
}
