package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyageos/voyageos/internal/invoices"
	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
	"github.com/voyageos/voyageos/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type pagedSource struct {
	ledgers []LedgerSnapshot
	calls   int
}

func (s *pagedSource) Ledgers(ctx context.Context, afterID int64, limit int) ([]LedgerSnapshot, error) {
	s.calls++
	var out []LedgerSnapshot
	for _, l := range s.ledgers {
		if l.InvoiceID > afterID && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestReceiptTaskIDIsStable(t *testing.T) {
	require.Equal(t, receiptTaskID("RCP-0001"), receiptTaskID("RCP-0001"))
	require.NotEqual(t, receiptTaskID("RCP-0001"), receiptTaskID("RCP-0002"))

	task, err := NewReceiptIssuedTask(invoices.ReceiptEvent{InvoiceID: 3, ReceiptNumber: "RCP-0001", Amount: "10.00"})
	require.NoError(t, err)
	require.Equal(t, TaskReceiptIssued, task.Type())

	var event invoices.ReceiptEvent
	require.NoError(t, json.Unmarshal(task.Payload(), &event))
	require.Equal(t, "10.00", event.Amount)
}

func TestCheckLedger(t *testing.T) {
	healthy := LedgerSnapshot{InvoiceID: 1, Number: "INV-0001", Total: dec("100"), Paid: dec("40"), Due: dec("60"),
		Status: invoices.StatusPartiallyPaid, Payments: []decimal.Decimal{dec("40")}}
	assert.Empty(t, CheckLedger(healthy))

	drifted := LedgerSnapshot{InvoiceID: 2, Number: "INV-0002", Total: dec("100"), Paid: dec("40"), Due: dec("60"),
		Status: invoices.StatusPartiallyPaid, Payments: []decimal.Decimal{dec("40"), dec("60")}}
	drifts := CheckLedger(drifted)
	require.Len(t, drifts, 3)
	assert.Equal(t, "paid_amount", drifts[0].Field)
	assert.Equal(t, "100.00", drifts[0].Expected)
	assert.Equal(t, "due_amount", drifts[1].Field)
	assert.Equal(t, "PAID", drifts[2].Expected)

	cancelled := LedgerSnapshot{InvoiceID: 3, Number: "INV-0003", Total: dec("100"), Paid: dec("30"), Due: dec("70"),
		Status: invoices.StatusCancelled, Payments: []decimal.Decimal{dec("30")}}
	assert.Empty(t, CheckLedger(cancelled))
}

func TestLedgerIntegrityPagesThroughAllInvoices(t *testing.T) {
	src := &pagedSource{}
	for i := int64(1); i <= 5; i++ {
		src.ledgers = append(src.ledgers, LedgerSnapshot{InvoiceID: i, Total: dec("10"), Paid: dec("0"), Due: dec("10"), Status: invoices.StatusUnpaid})
	}
	src.ledgers[4].Paid = dec("5")

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewLedgerIntegrityJob(src, nil, metrics)
	drifts, err := job.Run(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 3, src.calls)
	require.Len(t, drifts, 1)
	require.Equal(t, int64(5), drifts[0].InvoiceID)

	payload, err := NewLedgerIntegrityTask(2)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), payload))
}

func TestLedgerIntegrityRejectsBadPayload(t *testing.T) {
	job := NewLedgerIntegrityJob(&pagedSource{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type receiptStore map[string]invoices.Receipt

func (s receiptStore) GetReceipt(ctx context.Context, number string) (invoices.Receipt, error) {
	r, ok := s[number]
	if !ok {
		return invoices.Receipt{}, shared.NotFound("receipt", number)
	}
	return r, nil
}

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(ctx context.Context) error {
	c.calls++
	return c.err
}

func TestReceiptIssuedJob(t *testing.T) {
	store := receiptStore{"RCP-0001": {
		Payment:       invoices.Payment{ReceiptNumber: "RCP-0001", Amount: dec("25")},
		InvoiceNumber: "INV-0001",
		PaymentStatus: invoices.StatusPartiallyPaid,
	}}
	inv := &countingInvalidator{}
	job := NewReceiptIssuedJob(store, inv, nil, nil)

	task, err := NewReceiptIssuedTask(invoices.ReceiptEvent{ReceiptNumber: "RCP-0001"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, inv.calls)

	missing, err := NewReceiptIssuedTask(invoices.ReceiptEvent{ReceiptNumber: "RCP-0404"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), missing), asynq.SkipRetry)

	inv.err = errors.New("redis down")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

type purger struct{ retention time.Duration }

func (p *purger) Cleanup(ctx context.Context, olderThan time.Duration) error {
	p.retention = olderThan
	return nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	p := &purger{}
	job := &IdempotencyCleanupJob{Keys: p}
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 24*time.Hour, p.retention)
}
