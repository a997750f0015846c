package invoices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/quotations"
	"github.com/voyageos/voyageos/internal/shared"
)

type memoryRepo struct {
	mu            sync.Mutex
	quotations    map[int64]*quotations.Quotation
	invoices      map[int64]*Invoice
	payments      map[int64][]Payment
	receipts      map[string]bool
	keys          map[string]bool
	nextInvoiceID int64
	nextPaymentID int64
	// failPayment, when set, is returned by InsertPayment before any write.
	failPayment error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		quotations: make(map[int64]*quotations.Quotation),
		invoices:   make(map[int64]*Invoice),
		payments:   make(map[int64][]Payment),
		receipts:   make(map[string]bool),
		keys:       make(map[string]bool),
	}
}

func (r *memoryRepo) addQuotation(q quotations.Quotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotations[q.ID] = &q
}

// addInvoice seeds an invoice directly.
func (r *memoryRepo) addInvoice(total string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextInvoiceID++
	amount := decimal.RequireFromString(total)
	r.invoices[r.nextInvoiceID] = &Invoice{
		ID:            r.nextInvoiceID,
		Number:        fmt.Sprintf("INV-%04d", r.nextInvoiceID),
		QuotationID:   1000 + r.nextInvoiceID,
		ClientID:      1,
		TotalAmount:   amount,
		PaidAmount:    decimal.Zero,
		DueAmount:     amount,
		PaymentStatus: StatusUnpaid,
		CreatedAt:     time.Now(),
	}
	return r.nextInvoiceID
}

// quotationReader serves pre-flight reads from the same store.
type quotationReader struct{ repo *memoryRepo }

func (q quotationReader) Get(ctx context.Context, id int64) (quotations.Quotation, error) {
	q.repo.mu.Lock()
	defer q.repo.mu.Unlock()
	return q.repo.loadQuotation(id)
}

func (r *memoryRepo) loadQuotation(id int64) (quotations.Quotation, error) {
	q, ok := r.quotations[id]
	if !ok {
		return quotations.Quotation{}, shared.NotFound("quotation", id)
	}
	out := *q
	for _, inv := range r.invoices {
		if inv.QuotationID == id {
			out.Invoiced = true
		}
	}
	return out, nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, keys: make(map[string]bool)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key := range tx.keys {
		r.keys[key] = true
	}
	return nil
}

func (r *memoryRepo) IdempotencyKeyUsed(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[key], nil
}

func (r *memoryRepo) setFailPayment(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPayment = err
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

func (r *memoryRepo) load(id int64) (Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", id)
	}
	out := *inv
	out.Payments = append([]Payment{}, r.payments[id]...)
	return out, nil
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if filter.ClientID != nil && inv.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != nil && inv.PaymentStatus != *filter.Status {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invoices[invoiceID]; !ok {
		return nil, shared.NotFound("invoice", invoiceID)
	}
	return append([]Payment{}, r.payments[invoiceID]...), nil
}

func (r *memoryRepo) GetReceipt(ctx context.Context, number string) (Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for invoiceID, payments := range r.payments {
		for _, p := range payments {
			if p.ReceiptNumber != number {
				continue
			}
			inv := r.invoices[invoiceID]
			return Receipt{
				Payment:       p,
				InvoiceNumber: inv.Number,
				ClientID:      inv.ClientID,
				InvoiceTotal:  inv.TotalAmount,
				InvoiceDue:    inv.DueAmount,
				PaymentStatus: inv.PaymentStatus,
			}, nil
		}
	}
	return Receipt{}, shared.NotFound("receipt", number)
}

// memoryTx stages idempotency keys until the transaction function succeeds.
type memoryTx struct {
	repo *memoryRepo
	keys map[string]bool
}

func (t *memoryTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if t.repo.keys[key] || t.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	t.keys[key] = true
	return nil
}

func (t *memoryTx) LockQuotation(ctx context.Context, id int64) (quotations.Quotation, error) {
	return t.repo.loadQuotation(id)
}

func (t *memoryTx) BookQuotation(ctx context.Context, id int64) error {
	q, ok := t.repo.quotations[id]
	if !ok {
		return shared.NotFound("quotation", id)
	}
	q.Status = quotations.StatusBooked
	return nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv *Invoice) error {
	for _, existing := range t.repo.invoices {
		if existing.Number == inv.Number {
			return fmt.Errorf("invoice number %s: %w", inv.Number, shared.ErrConflict)
		}
		if existing.QuotationID == inv.QuotationID {
			return shared.Immutable("quotation already has an invoice")
		}
	}
	t.repo.nextInvoiceID++
	inv.ID = t.repo.nextInvoiceID
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	stored := *inv
	t.repo.invoices[inv.ID] = &stored
	return nil
}

func (t *memoryTx) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", id)
	}
	return *inv, nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p *Payment) error {
	if t.repo.failPayment != nil {
		return t.repo.failPayment
	}
	if t.repo.receipts[p.ReceiptNumber] {
		return fmt.Errorf("receipt number %s: %w", p.ReceiptNumber, shared.ErrConflict)
	}
	t.repo.nextPaymentID++
	p.ID = t.repo.nextPaymentID
	p.CreatedAt = time.Now()
	t.repo.receipts[p.ReceiptNumber] = true
	t.repo.payments[p.InvoiceID] = append(t.repo.payments[p.InvoiceID], *p)
	return nil
}

func (t *memoryTx) PaymentAmounts(ctx context.Context, invoiceID int64) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, p := range t.repo.payments[invoiceID] {
		out = append(out, p.Amount)
	}
	return out, nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, invoiceID int64, b Balance) error {
	inv, ok := t.repo.invoices[invoiceID]
	if !ok {
		return shared.NotFound("invoice", invoiceID)
	}
	inv.apply(b)
	return nil
}

func (t *memoryTx) MarkCancelled(ctx context.Context, invoiceID int64) error {
	inv, ok := t.repo.invoices[invoiceID]
	if !ok {
		return shared.NotFound("invoice", invoiceID)
	}
	now := time.Now()
	inv.PaymentStatus = StatusCancelled
	inv.CancelledAt = &now
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ReceiptEvent
	err    error
}

func (n *recordingNotifier) ReceiptIssued(ctx context.Context, e ReceiptEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

var errBroker = errors.New("broker unavailable")
