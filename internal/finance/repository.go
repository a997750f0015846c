package finance

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyageos/voyageos/internal/invoices"
)

// Repository reads invoice balances from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the finance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const balancesQuery = `
SELECT client_id, payment_status, COUNT(*),
       COALESCE(SUM(total_amount), 0), COALESCE(SUM(paid_amount), 0), COALESCE(SUM(due_amount), 0)
FROM invoices
WHERE ($1::bigint IS NULL OR client_id = $1)
GROUP BY client_id, payment_status
ORDER BY client_id, payment_status`

// Balances groups invoice amounts by client and payment status.
func (r *Repository) Balances(ctx context.Context, clientID *int64) ([]BalanceRow, error) {
	rows, err := r.pool.Query(ctx, balancesQuery, clientID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []BalanceRow
	for rows.Next() {
		var row BalanceRow
		var status string
		if err := rows.Scan(&row.ClientID, &status, &row.Count, &row.Total, &row.Paid, &row.Due); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		row.Status = invoices.PaymentStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}
