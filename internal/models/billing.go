package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingType classifies a billing line.
type BillingType string

const (
	BillingTypeTuition        BillingType = "Tuition"
	BillingTypeFunctionalFees BillingType = "Functional Fees"
	BillingTypeBroughtForward BillingType = "Balance Brought Forward"
	// BillingTypeCreditForward carries an overpayment into the next term as a negative line.
	BillingTypeCreditForward  BillingType = "Credit Brought Forward"
)

// Carried reports whether the line moves a previous term's position rather than billing a fee.
func (t BillingType) Carried() bool {
	return t == BillingTypeBroughtForward || t == BillingTypeCreditForward
}

// BillingLine is an append-only charge against a student for one term.
type BillingLine struct {
	ID          string          `db:"id" json:"id"`
	StudentID   string          `db:"student_id" json:"student_id"`
	Term        string          `db:"term" json:"term"`
	Type        BillingType     `db:"type" json:"type"`
	ServiceID   *string         `db:"service_id" json:"service_id,omitempty"`
	Description string          `db:"description" json:"description"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Paid        decimal.Decimal `db:"paid" json:"paid"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	BatchID     *string         `db:"batch_id" json:"batch_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Payment is money received from a student. Term is nil until the payment is attributed.
type Payment struct {
	ID        string          `db:"id" json:"id"`
	StudentID string          `db:"student_id" json:"student_id"`
	Term      *string         `db:"term" json:"term,omitempty"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reference string          `db:"reference" json:"reference"`
	PaidAt    time.Time       `db:"paid_at" json:"paid_at"`
}

// PaymentTermTag attributes an untagged payment to a term.
type PaymentTermTag struct {
	PaymentID string `db:"payment_id" json:"payment_id"`
	Term      string `db:"term" json:"term"`
}

// Bursary is a fixed credit offsetting a student's balance.
type Bursary struct {
	ID     string          `db:"id" json:"id"`
	Name   string          `db:"name" json:"name"`
	Value  decimal.Decimal `db:"value" json:"value"`
	Active bool            `db:"active" json:"active"`
}

// StudentLedger groups the records needed to reconcile one student.
type StudentLedger struct {
	Lines    []BillingLine
	Payments []Payment
	Bursary  *Bursary
}

// StudentStatement is the read-only account view of one student.
type StudentStatement struct {
	Student  Student         `json:"student"`
	Arrears  decimal.Decimal `json:"arrears"`
	Lines    []BillingLine   `json:"lines"`
	Payments []Payment       `json:"payments"`
	Bursary  *Bursary        `json:"bursary,omitempty"`
}
