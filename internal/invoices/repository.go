package invoices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/platform/db"
	"github.com/voyageos/voyageos/internal/quotations"
	"github.com/voyageos/voyageos/internal/shared"
)

// Repository exposes invoice persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	GetReceipt(ctx context.Context, receiptNumber string) (Receipt, error)
	IdempotencyKeyUsed(ctx context.Context, key string) (bool, error)
}

// TxRepository performs ledger mutations inside a transaction. There is no
// operation that edits or deletes a payment.
type TxRepository interface {
	LockQuotation(ctx context.Context, id int64) (quotations.Quotation, error)
	BookQuotation(ctx context.Context, id int64) error
	InsertInvoice(ctx context.Context, inv *Invoice) error
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	InsertPayment(ctx context.Context, p *Payment) error
	PaymentAmounts(ctx context.Context, invoiceID int64) ([]decimal.Decimal, error)
	UpdateBalance(ctx context.Context, invoiceID int64, b Balance) error
	MarkCancelled(ctx context.Context, invoiceID int64) error
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, db: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgRepository{pool: r.pool, db: tx})
	})
}

const invoiceColumns = `id, number, quotation_id, client_id, total_amount, paid_amount, due_amount,
	payment_status, created_at, updated_at, cancelled_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.QuotationID, &inv.ClientID, &inv.TotalAmount,
		&inv.PaidAmount, &inv.DueAmount, &inv.PaymentStatus, &inv.CreatedAt, &inv.UpdatedAt, &inv.CancelledAt)
	return inv, err
}

func (r *pgRepository) Get(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.NotFound("invoice", id)
		}
		return Invoice{}, err
	}
	if inv.Payments, err = r.payments(ctx, id); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.ClientID != nil {
		args = append(args, *filter.ClientID)
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM invoices "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM invoices %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, inv)
	}
	return list, total, rows.Err()
}

func (r *pgRepository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, invoiceID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, shared.NotFound("invoice", invoiceID)
	}
	return r.payments(ctx, invoiceID)
}

func (r *pgRepository) payments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, amount, method, COALESCE(reference, ''), receipt_number, paid_at, created_at
		FROM payments
		WHERE invoice_id = $1
		ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference,
			&p.ReceiptNumber, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *pgRepository) GetReceipt(ctx context.Context, receiptNumber string) (Receipt, error) {
	var rc Receipt
	err := r.db.QueryRow(ctx, `
		SELECT p.id, p.invoice_id, p.amount, p.method, COALESCE(p.reference, ''), p.receipt_number, p.paid_at, p.created_at,
		       i.number, i.client_id, i.total_amount, i.due_amount, i.payment_status
		FROM payments p
		JOIN invoices i ON i.id = p.invoice_id
		WHERE p.receipt_number = $1`, receiptNumber).
		Scan(&rc.ID, &rc.InvoiceID, &rc.Amount, &rc.Method, &rc.Reference, &rc.ReceiptNumber, &rc.PaidAt, &rc.CreatedAt,
			&rc.InvoiceNumber, &rc.ClientID, &rc.InvoiceTotal, &rc.InvoiceDue, &rc.PaymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, shared.NotFound("receipt", receiptNumber)
		}
		return Receipt{}, err
	}
	return rc, nil
}

func (r *pgRepository) LockQuotation(ctx context.Context, id int64) (quotations.Quotation, error) {
	var q quotations.Quotation
	err := r.db.QueryRow(ctx, `
		SELECT q.id, q.number, q.client_id, q.status, q.total_cost, q.total_sell, q.total_profit,
		       EXISTS (SELECT 1 FROM invoices i WHERE i.quotation_id = q.id)
		FROM quotations q
		WHERE q.id = $1
		FOR UPDATE`, id).
		Scan(&q.ID, &q.Number, &q.ClientID, &q.Status, &q.TotalCost, &q.TotalSell, &q.TotalProfit, &q.Invoiced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quotations.Quotation{}, shared.NotFound("quotation", id)
		}
		return quotations.Quotation{}, err
	}
	return q, nil
}

func (r *pgRepository) BookQuotation(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE quotations SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(quotations.StatusBooked), id)
	return err
}

func (r *pgRepository) InsertInvoice(ctx context.Context, inv *Invoice) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (number, quotation_id, client_id, total_amount, paid_amount, due_amount, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		inv.Number, inv.QuotationID, inv.ClientID, inv.TotalAmount, inv.PaidAmount, inv.DueAmount, string(inv.PaymentStatus),
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return mapInsertError(err, "invoice number "+inv.Number)
	}
	return nil
}

func (r *pgRepository) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.NotFound("invoice", id)
		}
		return Invoice{}, err
	}
	return inv, nil
}

func (r *pgRepository) IdempotencyKeyUsed(ctx context.Context, key string) (bool, error) {
	return shared.IdempotencyKeyExists(ctx, r.db, key)
}

func (r *pgRepository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimIdempotencyKey(ctx, r.db, key, module)
}

func (r *pgRepository) InsertPayment(ctx context.Context, p *Payment) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, amount, method, reference, receipt_number, paid_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING id, created_at`,
		p.InvoiceID, p.Amount, string(p.Method), p.Reference, p.ReceiptNumber, p.PaidAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return mapInsertError(err, "receipt number "+p.ReceiptNumber)
	}
	return nil
}

func (r *pgRepository) PaymentAmounts(ctx context.Context, invoiceID int64) ([]decimal.Decimal, error) {
	rows, err := r.db.Query(ctx, `SELECT amount FROM payments WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var amounts []decimal.Decimal
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return nil, err
		}
		amounts = append(amounts, amount)
	}
	return amounts, rows.Err()
}

func (r *pgRepository) UpdateBalance(ctx context.Context, invoiceID int64, b Balance) error {
	_, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET paid_amount = $1,
		    due_amount = $2,
		    payment_status = CASE WHEN payment_status = 'CANCELLED' THEN payment_status ELSE $3 END,
		    updated_at = NOW()
		WHERE id = $4`, b.Paid, b.Due, string(b.Status), invoiceID)
	return err
}

func (r *pgRepository) MarkCancelled(ctx context.Context, invoiceID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE invoices SET payment_status = 'CANCELLED', cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1`, invoiceID)
	return err
}

// mapInsertError turns a unique violation on a document number into
// shared.ErrConflict so the allocator retries with a fresh number. A second
// invoice for the same quotation is reported as immutable instead.
func mapInsertError(err error, what string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	if pgErr.ConstraintName == "invoices_quotation_id_key" {
		return shared.Immutable("quotation already has an invoice")
	}
	return fmt.Errorf("%s: %w", what, shared.ErrConflict)
}
