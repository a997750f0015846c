package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/invoices"
	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
	"github.com/voyageos/voyageos/internal/pricing"
)

const defaultIntegrityBatch = 500

// LedgerSnapshot is an invoice's stored balance alongside its payments.
type LedgerSnapshot struct {
	InvoiceID int64
	Number    string
	Total     decimal.Decimal
	Paid      decimal.Decimal
	Due       decimal.Decimal
	Status    invoices.PaymentStatus
	Payments  []decimal.Decimal
}

// LedgerSource pages through invoice ledgers in id order.
type LedgerSource interface {
	Ledgers(ctx context.Context, afterID int64, limit int) ([]LedgerSnapshot, error)
}

// Drift describes a stored balance that disagrees with its payments.
type Drift struct {
	InvoiceID int64
	Number    string
	Field     string
	Stored    string
	Expected  string
}

// LedgerIntegrityJob recomputes every invoice balance from its payments and
// reports drift. It never rewrites balances.
type LedgerIntegrityJob struct {
	Source  LedgerSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(source LedgerSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Source:  source,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.BatchSize)
	return err
}

// Run scans all invoices and returns the drift found.
func (j *LedgerIntegrityJob) Run(ctx context.Context, batchSize int) (drifts []Drift, err error) {
	if batchSize <= 0 {
		batchSize = defaultIntegrityBatch
	}
	start := j.now()
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Int("batch_size", batchSize))
	logger.Info("starting ledger integrity scan")

	scanned := 0
	var afterID int64
	for {
		batch, err := j.Source.Ledgers(ctx, afterID, batchSize)
		if err != nil {
			logger.Error("scan failed", slog.Any("error", err))
			return drifts, err
		}
		for _, snap := range batch {
			drifts = append(drifts, CheckLedger(snap)...)
			afterID = snap.InvoiceID
		}
		scanned += len(batch)
		if len(batch) < batchSize {
			break
		}
	}

	perField := make(map[string]int)
	for _, d := range drifts {
		logger.Warn("ledger drift detected",
			slog.String("invoice", d.Number),
			slog.String("field", d.Field),
			slog.String("stored", d.Stored),
			slog.String("expected", d.Expected),
		)
		perField[d.Field]++
	}
	for field, count := range perField {
		j.Metrics.AddDrift(field, count)
	}

	logger.Info("completed ledger integrity scan",
		slog.Int("invoices", scanned),
		slog.Int("drift", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return drifts, nil
}

// CheckLedger compares a stored balance with one recomputed from payments.
// Cancelled invoices keep their status, so only amounts are compared.
func CheckLedger(snap LedgerSnapshot) []Drift {
	want := invoices.Reconcile(snap.Total, snap.Payments)
	var out []Drift
	add := func(field, stored, expected string) {
		out = append(out, Drift{InvoiceID: snap.InvoiceID, Number: snap.Number, Field: field, Stored: stored, Expected: expected})
	}
	if !snap.Paid.Equal(want.Paid) {
		add("paid_amount", money(snap.Paid), money(want.Paid))
	}
	if !snap.Due.Equal(want.Due) {
		add("due_amount", money(snap.Due), money(want.Due))
	}
	if snap.Status != invoices.StatusCancelled && snap.Status != want.Status {
		add("payment_status", string(snap.Status), string(want.Status))
	}
	return out
}

func money(d decimal.Decimal) string {
	return d.StringFixed(pricing.MoneyScale)
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// PGLedgerSource reads ledgers from PostgreSQL.
type PGLedgerSource struct {
	pool *pgxpool.Pool
}

// NewPGLedgerSource constructs a PostgreSQL backed LedgerSource.
func NewPGLedgerSource(pool *pgxpool.Pool) *PGLedgerSource {
	return &PGLedgerSource{pool: pool}
}

const ledgersQuery = `
SELECT i.id, i.number, i.total_amount, i.paid_amount, i.due_amount, i.payment_status,
       COALESCE(array_agg(p.amount::text ORDER BY p.id) FILTER (WHERE p.id IS NOT NULL), '{}')
FROM invoices i
LEFT JOIN payments p ON p.invoice_id = i.id
WHERE i.id > $1
GROUP BY i.id
ORDER BY i.id
LIMIT $2`

// Ledgers returns up to limit invoices with id greater than afterID.
func (s *PGLedgerSource) Ledgers(ctx context.Context, afterID int64, limit int) ([]LedgerSnapshot, error) {
	rows, err := s.pool.Query(ctx, ledgersQuery, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledgers: %w", err)
	}
	defer rows.Close()

	var out []LedgerSnapshot
	for rows.Next() {
		var snap LedgerSnapshot
		var status string
		var amounts []string
		if err := rows.Scan(&snap.InvoiceID, &snap.Number, &snap.Total, &snap.Paid, &snap.Due, &status, &amounts); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		snap.Status = invoices.PaymentStatus(status)
		for _, a := range amounts {
			amount, err := decimal.NewFromString(a)
			if err != nil {
				return nil, fmt.Errorf("invoice %s payment amount %q: %w", snap.Number, a, err)
			}
			snap.Payments = append(snap.Payments, amount)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
