package quotations

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
	"github.com/voyageos/voyageos/internal/shared"
)

// Repository exposes quotation persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Quotation, error)
	List(ctx context.Context, filter ListFilter) ([]Quotation, int, error)
}

// TxRepository performs mutations inside a transaction.
type TxRepository interface {
	Insert(ctx context.Context, q *Quotation) error
	Lock(ctx context.Context, id int64) (Quotation, error)
	InsertItem(ctx context.Context, item *Item) error
	UpdateItemPrices(ctx context.Context, items []Item) error
	UpdateTotals(ctx context.Context, q Quotation) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	Delete(ctx context.Context, id int64) error
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

const quotationColumns = `q.id, q.number, q.client_id, q.margin_percentage, q.status,
	q.total_cost, q.total_sell, q.total_profit,
	EXISTS (SELECT 1 FROM invoices i WHERE i.quotation_id = q.id),
	q.created_at, q.updated_at`

func scanQuotation(row pgx.Row) (Quotation, error) {
	var q Quotation
	err := row.Scan(&q.ID, &q.Number, &q.ClientID, &q.MarginPercentage, &q.Status,
		&q.TotalCost, &q.TotalSell, &q.TotalProfit, &q.Invoiced, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (r *pgRepository) Get(ctx context.Context, id int64) (Quotation, error) {
	q, err := scanQuotation(r.db.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations q WHERE q.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quotation{}, shared.NotFound("quotation", id)
		}
		return Quotation{}, err
	}
	if q.Items, err = r.items(ctx, id); err != nil {
		return Quotation{}, err
	}
	return q, nil
}

func (r *pgRepository) Lock(ctx context.Context, id int64) (Quotation, error) {
	q, err := scanQuotation(r.db.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations q WHERE q.id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quotation{}, shared.NotFound("quotation", id)
		}
		return Quotation{}, err
	}
	if q.Items, err = r.items(ctx, id); err != nil {
		return Quotation{}, err
	}
	return q, nil
}

func (r *pgRepository) items(ctx context.Context, quotationID int64) ([]Item, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, quotation_id, service_id, vendor_id, quantity, start_date, end_date,
		       cost_price, manual_margin_percentage, sell_price, total_cost, total_sell, line_order
		FROM quotation_items
		WHERE quotation_id = $1
		ORDER BY line_order, id`, quotationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			item   Item
			manual decimal.NullDecimal
		)
		if err := rows.Scan(&item.ID, &item.QuotationID, &item.ServiceID, &item.VendorID, &item.Quantity,
			&item.StartDate, &item.EndDate, &item.CostPrice, &manual, &item.SellPrice,
			&item.TotalCost, &item.TotalSell, &item.LineOrder); err != nil {
			return nil, err
		}
		if manual.Valid {
			m := manual.Decimal
			item.ManualMarginPercentage = &m
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Quotation, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.ClientID != nil {
		add("q.client_id = $%d", *filter.ClientID)
	}
	if filter.Status != nil {
		add("q.status = $%d", string(*filter.Status))
	}
	if filter.From != nil {
		add("q.created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("q.created_at < $%d", *filter.To)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM quotations q "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM quotations q %s ORDER BY q.created_at DESC, q.id DESC LIMIT $%d OFFSET $%d`,
		quotationColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []Quotation{}
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, q)
	}
	return list, total, rows.Err()
}

func (r *pgRepository) Insert(ctx context.Context, q *Quotation) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO quotations (number, client_id, margin_percentage, status, total_cost, total_sell, total_profit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		q.Number, q.ClientID, q.MarginPercentage, string(q.Status), q.TotalCost, q.TotalSell, q.TotalProfit,
	).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("quotation number %s: %w", q.Number, shared.ErrConflict)
		}
		return err
	}
	for i := range q.Items {
		q.Items[i].QuotationID = q.ID
		if err := r.InsertItem(ctx, &q.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *pgRepository) InsertItem(ctx context.Context, item *Item) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO quotation_items (quotation_id, service_id, vendor_id, quantity, start_date, end_date,
		                             cost_price, manual_margin_percentage, sell_price, total_cost, total_sell, line_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		item.QuotationID, item.ServiceID, item.VendorID, item.Quantity, item.StartDate, item.EndDate,
		item.CostPrice, nullDecimal(item.ManualMarginPercentage), item.SellPrice, item.TotalCost, item.TotalSell, item.LineOrder,
	).Scan(&item.ID)
}

func (r *pgRepository) UpdateItemPrices(ctx context.Context, items []Item) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`UPDATE quotation_items SET sell_price = $1, total_cost = $2, total_sell = $3 WHERE id = $4`,
			item.SellPrice, item.TotalCost, item.TotalSell, item.ID)
	}
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := r.db.(pgx.Tx)
	if !ok {
		return errors.New("quotations: UpdateItemPrices requires a transaction")
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (r *pgRepository) UpdateTotals(ctx context.Context, q Quotation) error {
	_, err := r.db.Exec(ctx, `
		UPDATE quotations SET total_cost = $1, total_sell = $2, total_profit = $3, updated_at = NOW()
		WHERE id = $4`, q.TotalCost, q.TotalSell, q.TotalProfit, q.ID)
	return err
}

func (r *pgRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE quotations SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("quotation", id)
	}
	return nil
}

func (r *pgRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM quotations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("quotation", id)
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
