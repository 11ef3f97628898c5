package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-finance-api/internal/models"
)

// Mode selects how the balance formula gathers arrears and credits.
type Mode int

const (
	// Transition settles a student moving into a new term: arrears are the signed
	// snapshot carried over and only the bursary is credited, since nothing has been paid yet.
	Transition Mode = iota
	// InPlace settles a student staying at the same level after a fee structure change:
	// arrears are everything billed in other terms plus legacy carry, credits are every
	// payment ever made plus the bursary.
	InPlace
)

// Position is the output of the balance formula.
type Position struct {
	TermFees decimal.Decimal
	Arrears  decimal.Decimal
	Credits  decimal.Decimal
	Balance  decimal.Decimal
}

// Settle applies balance = term fees + arrears - credits for the given mode.
// carried is only consulted in Transition mode.
func Settle(mode Mode, student models.Student, ledger models.StudentLedger, termFees, carried decimal.Decimal) Position {
	var arrears, credits decimal.Decimal
	switch mode {
	case InPlace:
		arrears = billedOutsideTerm(ledger.Lines, student.CurrentTerm()).Add(student.PreviousBalanceCarry)
		credits = sumPayments(ledger.Payments)
	default:
		arrears = carried
	}
	credits = credits.Add(BursaryValue(ledger.Bursary))
	return Position{
		TermFees: termFees,
		Arrears:  arrears,
		Credits:  credits,
		Balance:  termFees.Add(arrears).Sub(credits),
	}
}

// ArrearsSnapshot is what the student still owes for their current term: every line billed
// for it, less payments attributable to it and the bursary, plus legacy carry unless a
// brought-forward or credit line for the term, or an earlier transition, has already absorbed it.
// The result may be negative.
func ArrearsSnapshot(student models.Student, ledger models.StudentLedger) decimal.Decimal {
	term := student.CurrentTerm()
	billed := decimal.Zero
	carried := false
	for _, line := range ledger.Lines {
		if !SameTerm(line.Term, term) {
			continue
		}
		billed = billed.Add(line.Amount)
		if line.Type.Carried() {
			carried = true
		}
	}
	paid := decimal.Zero
	for _, p := range ledger.Payments {
		if p.Term == nil || SameTerm(*p.Term, term) {
			paid = paid.Add(p.Amount)
		}
	}
	arrears := billed.Sub(paid).Sub(BursaryValue(ledger.Bursary))
	// Legacy carry is absorbed by the first transition even when it settles to exactly zero.
	if !carried && len(student.PromotionHistory) == 0 {
		arrears = arrears.Add(student.PreviousBalanceCarry)
	}
	return arrears
}

// SameTerm compares term labels the way level labels are compared.
func SameTerm(a, b string) bool {
	return SameLevel(a, b)
}

// BursaryValue is the credit granted by an active bursary.
func BursaryValue(b *models.Bursary) decimal.Decimal {
	if b == nil || !b.Active {
		return decimal.Zero
	}
	return b.Value
}

func billedOutsideTerm(lines []models.BillingLine, term string) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.Type.Carried() || SameTerm(line.Term, term) {
			continue
		}
		total = total.Add(line.Amount)
	}
	return total
}

func sumPayments(payments []models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

func sumLines(lines []models.BillingLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}
	return total
}

func sumCharges(lines []models.BillingLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.Type == models.BillingTypeCreditForward {
			continue
		}
		total = total.Add(line.Amount)
	}
	return total
}
