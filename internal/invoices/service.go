package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/pricing"
	"github.com/voyageos/voyageos/internal/quotations"
	"github.com/voyageos/voyageos/internal/sequence"
	"github.com/voyageos/voyageos/internal/shared"
)

const idempotencyModule = "invoices.payment"

// QuotationReader loads quotations for pre-flight checks.
type QuotationReader interface {
	Get(ctx context.Context, id int64) (quotations.Quotation, error)
}

// ReceiptEvent describes a newly recorded payment.
type ReceiptEvent struct {
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	ReceiptNumber string `json:"receipt_number"`
	ClientID      int64  `json:"client_id"`
	Amount        string `json:"amount"`
}

// Notifier publishes ledger events for asynchronous consumers.
type Notifier interface {
	ReceiptIssued(ctx context.Context, event ReceiptEvent) error
}

// Invalidator drops read models derived from invoice balances.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Metrics counts ledger events.
type Metrics interface {
	InvoiceIssued()
	PaymentRecorded(method string)
	InvoiceCancelled()
}

type nopMetrics struct{}

func (nopMetrics) InvoiceIssued()         {}
func (nopMetrics) PaymentRecorded(string) {}
func (nopMetrics) InvoiceCancelled()      {}

// Service runs the invoice ledger.
type Service struct {
	repo        Repository
	quotations  QuotationReader
	allocator   *sequence.Allocator
	audit       shared.AuditRecorder
	notifier    Notifier
	invalidator Invalidator
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithAudit records ledger events.
func WithAudit(a shared.AuditRecorder) Option {
	return func(s *Service) { s.audit = a }
}

// WithNotifier publishes receipt events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithInvalidator refreshes derived summaries after every ledger change.
func WithInvalidator(i Invalidator) Option {
	return func(s *Service) { s.invalidator = i }
}

// WithMetrics attaches counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs the invoice service.
func NewService(repo Repository, quotes QuotationReader, allocator *sequence.Allocator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		quotations: quotes,
		allocator:  allocator,
		audit:      shared.NopAudit{},
		metrics:    nopMetrics{},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFromQuotation bills a CONFIRMED quotation. The invoice total is the
// quotation's total sell at this moment, and the quotation becomes BOOKED in
// the same transaction.
func (s *Service) CreateFromQuotation(ctx context.Context, quotationID int64) (Invoice, error) {
	// Checked up front so rejected requests do not burn invoice numbers.
	q, err := s.quotations.Get(ctx, quotationID)
	if err != nil {
		return Invoice{}, err
	}
	if err := checkBillable(q); err != nil {
		return Invoice{}, err
	}

	var inv Invoice
	_, err = s.allocator.Issue(ctx, sequence.DocInvoice, func(ctx context.Context, number string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			q, err := tx.LockQuotation(ctx, quotationID)
			if err != nil {
				return err
			}
			if err := checkBillable(q); err != nil {
				return err
			}
			inv = Invoice{
				Number:        number,
				QuotationID:   q.ID,
				ClientID:      q.ClientID,
				TotalAmount:   q.TotalSell,
				PaidAmount:    decimal.Zero,
				DueAmount:     q.TotalSell,
				PaymentStatus: StatusUnpaid,
			}
			if err := tx.InsertInvoice(ctx, &inv); err != nil {
				return err
			}
			return tx.BookQuotation(ctx, q.ID)
		})
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	inv.Payments = []Payment{}

	s.metrics.InvoiceIssued()
	s.invalidate(ctx)
	s.record(ctx, "invoice.created", inv.ID, map[string]any{
		"number":       inv.Number,
		"quotation_id": inv.QuotationID,
		"total_amount": inv.TotalAmount.StringFixed(pricing.MoneyScale),
	})
	s.logger.Info("invoice created",
		slog.String("number", inv.Number),
		slog.String("quotation", q.Number),
		slog.String("total", inv.TotalAmount.StringFixed(pricing.MoneyScale)))
	return inv, nil
}

func checkBillable(q quotations.Quotation) error {
	if q.Invoiced {
		return shared.Immutable(fmt.Sprintf("quotation %s already has an invoice", q.Number))
	}
	if err := quotations.Transition(q.Status, quotations.StatusBooked); err != nil {
		return err
	}
	if !q.TotalSell.IsPositive() {
		return shared.Invalid("total_sell", "quotation has nothing to bill")
	}
	return nil
}

// RecordPayment appends a payment under a fresh receipt number and
// recomputes the invoice balance from the full payment history. The invoice
// row is locked for the duration, so concurrent payments serialise.
func (s *Service) RecordPayment(ctx context.Context, invoiceID int64, req RecordPaymentRequest, idempotencyKey string) (PaymentResult, error) {
	if !req.Method.Valid() {
		return PaymentResult{}, shared.Invalid("method", fmt.Sprintf("unsupported payment method %q", req.Method))
	}
	current, err := s.repo.Get(ctx, invoiceID)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := CheckPayment(current, req.Amount); err != nil {
		return PaymentResult{}, err
	}

	if idempotencyKey != "" {
		used, err := s.repo.IdempotencyKeyUsed(ctx, idempotencyKey)
		if err != nil {
			return PaymentResult{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if used {
			return PaymentResult{}, shared.ErrIdempotencyConflict
		}
	}

	paidAt := s.now().UTC()
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}

	var result PaymentResult
	_, err = s.allocator.Issue(ctx, sequence.DocReceipt, func(ctx context.Context, number string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			inv, err := tx.LockInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			// The key commits with the payment, so a failed attempt leaves it free.
			if idempotencyKey != "" {
				if err := tx.ClaimIdempotencyKey(ctx, idempotencyKey, idempotencyModule); err != nil {
					return err
				}
			}
			if err := CheckPayment(inv, req.Amount); err != nil {
				return err
			}
			p := Payment{
				InvoiceID:     inv.ID,
				Amount:        req.Amount,
				Method:        req.Method,
				Reference:     req.Reference,
				ReceiptNumber: number,
				PaidAt:        paidAt,
			}
			if err := tx.InsertPayment(ctx, &p); err != nil {
				return err
			}
			amounts, err := tx.PaymentAmounts(ctx, inv.ID)
			if err != nil {
				return fmt.Errorf("sum payments: %w", err)
			}
			balance := Reconcile(inv.TotalAmount, amounts)
			if err := tx.UpdateBalance(ctx, inv.ID, balance); err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
			inv.apply(balance)
			result = PaymentResult{Invoice: inv, Payment: p}
			return nil
		})
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("record payment: %w", err)
	}

	p, inv := result.Payment, result.Invoice
	s.metrics.PaymentRecorded(string(p.Method))
	s.invalidate(ctx)
	s.record(ctx, "invoice.payment_recorded", inv.ID, map[string]any{
		"receipt_number": p.ReceiptNumber,
		"amount":         p.Amount.StringFixed(pricing.MoneyScale),
		"method":         string(p.Method),
		"status":         string(inv.PaymentStatus),
	})
	if s.notifier != nil {
		event := ReceiptEvent{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			ReceiptNumber: p.ReceiptNumber,
			ClientID:      inv.ClientID,
			Amount:        p.Amount.StringFixed(pricing.MoneyScale),
		}
		if err := s.notifier.ReceiptIssued(ctx, event); err != nil {
			s.logger.Warn("publish receipt event", slog.String("receipt", p.ReceiptNumber), slog.Any("error", err))
		}
	}
	s.logger.Info("payment recorded",
		slog.String("invoice", inv.Number),
		slog.String("receipt", p.ReceiptNumber),
		slog.String("amount", p.Amount.StringFixed(pricing.MoneyScale)),
		slog.String("status", string(inv.PaymentStatus)))
	return result, nil
}

// Cancel closes an unpaid or partially paid invoice. Payments already
// recorded stay in the ledger; no reversing entries are written.
func (s *Service) Cancel(ctx context.Context, invoiceID int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := CheckCancel(inv); err != nil {
			return err
		}
		return tx.MarkCancelled(ctx, invoiceID)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.metrics.InvoiceCancelled()
	s.invalidate(ctx)
	s.record(ctx, "invoice.cancelled", invoiceID, map[string]any{
		"number":      inv.Number,
		"paid_amount": inv.PaidAmount.StringFixed(pricing.MoneyScale),
	})
	return s.repo.Get(ctx, invoiceID)
}

// Get returns the invoice with its payments, as stored.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of invoices and the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, shared.Invalid("status", fmt.Sprintf("unknown payment status %q", *filter.Status))
	}
	return s.repo.List(ctx, filter)
}

// ListPayments returns the ledger of one invoice in payment order.
func (s *Service) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return s.repo.ListPayments(ctx, invoiceID)
}

// GetReceipt looks up a payment voucher by receipt number.
func (s *Service) GetReceipt(ctx context.Context, receiptNumber string) (Receipt, error) {
	if _, err := sequence.ParseSuffix(receiptNumber); err != nil {
		return Receipt{}, shared.NotFound("receipt", receiptNumber)
	}
	return s.repo.GetReceipt(ctx, receiptNumber)
}

func (s *Service) record(ctx context.Context, action string, invoiceID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit invoice", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidate finance summary", slog.Any("error", err))
	}
}
