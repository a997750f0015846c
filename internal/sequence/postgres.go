package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCounter keeps one document_sequences row per series. Increments are single
// statements, so concurrent callers never observe the same value.
type PGCounter struct {
	pool   *pgxpool.Pool
	seeder Seeder
}

// NewPGCounter constructs a PostgreSQL backed counter.
func NewPGCounter(pool *pgxpool.Pool, seeder Seeder) *PGCounter {
	return &PGCounter{pool: pool, seeder: seeder}
}

// Next implements Counter.
func (c *PGCounter) Next(ctx context.Context, t DocType) (int64, error) {
	var n int64
	err := c.pool.QueryRow(ctx, `
		UPDATE document_sequences
		SET last_number = last_number + 1, updated_at = NOW()
		WHERE doc_type = $1
		RETURNING last_number`, string(t)).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("increment: %w", err)
	}

	seed := int64(1)
	if c.seeder != nil {
		last, count, err := c.seeder.LastIssued(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("seed: %w", err)
		}
		seed = NextFromLast(last, count)
	}
	// A concurrent first allocation may have inserted the row meanwhile; the
	// conflict branch then increments it instead.
	err = c.pool.QueryRow(ctx, `
		INSERT INTO document_sequences (doc_type, last_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (doc_type)
		DO UPDATE SET last_number = document_sequences.last_number + 1, updated_at = NOW()
		RETURNING last_number`, string(t), seed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("initialise: %w", err)
	}
	return n, nil
}

var lastIssuedQueries = map[DocType]string{
	DocQuotation: `SELECT COALESCE((SELECT number FROM quotations ORDER BY id DESC LIMIT 1), ''), (SELECT COUNT(*) FROM quotations)`,
	DocInvoice:   `SELECT COALESCE((SELECT number FROM invoices ORDER BY id DESC LIMIT 1), ''), (SELECT COUNT(*) FROM invoices)`,
	DocReceipt:   `SELECT COALESCE((SELECT receipt_number FROM payments ORDER BY id DESC LIMIT 1), ''), (SELECT COUNT(*) FROM payments)`,
}

// PGSeeder reads the newest identifier straight from the document tables.
type PGSeeder struct {
	pool *pgxpool.Pool
}

// NewPGSeeder constructs a seeder over pool.
func NewPGSeeder(pool *pgxpool.Pool) *PGSeeder {
	return &PGSeeder{pool: pool}
}

// LastIssued implements Seeder.
func (s *PGSeeder) LastIssued(ctx context.Context, t DocType) (string, int64, error) {
	query, ok := lastIssuedQueries[t]
	if !ok {
		return "", 0, fmt.Errorf("sequence: no seed query for %q", t)
	}
	var (
		last  string
		count int64
	)
	if err := s.pool.QueryRow(ctx, query).Scan(&last, &count); err != nil {
		return "", 0, err
	}
	return last, count, nil
}
