package invoices

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/shared"
)

// Balance is the state of an invoice derived from its payment history.
type Balance struct {
	Paid   decimal.Decimal
	Due    decimal.Decimal
	Status PaymentStatus
}

// Reconcile derives paid, due and status from the full set of payment
// amounts. Due never drops below zero; a surplus stays visible in Paid.
func Reconcile(total decimal.Decimal, amounts []decimal.Decimal) Balance {
	paid := decimal.Zero
	for _, amount := range amounts {
		paid = paid.Add(amount)
	}
	due := total.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}
	return Balance{Paid: paid, Due: due, Status: statusFor(total, paid)}
}

func statusFor(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case !paid.IsPositive():
		return StatusUnpaid
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	default:
		return StatusPartiallyPaid
	}
}

// CheckPayment validates a payment of amount against inv.
func CheckPayment(inv Invoice, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return shared.Invalid("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return shared.Invalid("amount", "must have at most two decimal places")
	}
	if inv.PaymentStatus == StatusCancelled {
		return fmt.Errorf("%w: invoice %s is cancelled and accepts no payments", shared.ErrInvalidTransition, inv.Number)
	}
	return nil
}

// CheckCancel reports whether inv may be cancelled. Only unpaid and partially
// paid invoices can be.
func CheckCancel(inv Invoice) error {
	switch inv.PaymentStatus {
	case StatusUnpaid, StatusPartiallyPaid:
		return nil
	}
	return fmt.Errorf("%w: invoice %s is %s and cannot be cancelled", shared.ErrInvalidTransition, inv.Number, inv.PaymentStatus)
}

// apply copies b onto inv. A cancelled invoice keeps its status.
func (inv *Invoice) apply(b Balance) {
	inv.PaidAmount = b.Paid
	inv.DueAmount = b.Due
	if inv.PaymentStatus != StatusCancelled {
		inv.PaymentStatus = b.Status
	}
}
