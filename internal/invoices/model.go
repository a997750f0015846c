package invoices

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/shared"
)

type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "UNPAID"
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	StatusPaid          PaymentStatus = "PAID"
	StatusCancelled     PaymentStatus = "CANCELLED"
)

// PaymentStatuses lists every payment status in lifecycle order.
var PaymentStatuses = []PaymentStatus{StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusCancelled}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

type Method string

const (
	MethodCash         Method = "CASH"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodCard         Method = "CARD"
	MethodOnline       Method = "ONLINE"
	MethodOther        Method = "OTHER"
)

// Valid reports whether m is an accepted payment method.
func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodCard, MethodOnline, MethodOther:
		return true
	}
	return false
}

// Invoice bills the frozen total of one quotation. PaidAmount, DueAmount and
// PaymentStatus are derived from Payments and change only when a payment is
// recorded or the invoice is cancelled.
type Invoice struct {
	ID            int64           `json:"id"`
	Number        string          `json:"invoice_number"`
	QuotationID   int64           `json:"quotation_id"`
	ClientID      int64           `json:"client_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	DueAmount     decimal.Decimal `json:"due_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	Payments      []Payment       `json:"payments,omitempty"`
}

// Payment is an append-only ledger entry.
type Payment struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method"`
	Reference     string          `json:"reference,omitempty"`
	ReceiptNumber string          `json:"receipt_number"`
	PaidAt        time.Time       `json:"paid_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Receipt is the payment voucher handed to the client.
type Receipt struct {
	Payment
	InvoiceNumber string          `json:"invoice_number"`
	ClientID      int64           `json:"client_id"`
	InvoiceTotal  decimal.Decimal `json:"invoice_total"`
	InvoiceDue    decimal.Decimal `json:"invoice_due"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
}

// PaymentResult is returned by RecordPayment.
type PaymentResult struct {
	Invoice Invoice `json:"invoice"`
	Payment Payment `json:"payment"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	ClientID *int64
	Status   *PaymentStatus
	Limit    int
	Offset   int
}

// ListResponse wraps a page of invoices.
type ListResponse struct {
	Data       []Invoice         `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

// RecordPaymentRequest is the recordPayment payload.
type RecordPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    Method          `json:"method" validate:"required"`
	Reference string          `json:"reference,omitempty" validate:"max=120"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}
