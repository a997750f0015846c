package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/voyageos/voyageos/internal/invoices"
	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
	"github.com/voyageos/voyageos/internal/pricing"
	"github.com/voyageos/voyageos/internal/shared"
)

// ReceiptReader resolves receipt vouchers.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, receiptNumber string) (invoices.Receipt, error)
}

// SummaryInvalidator drops cached finance summaries.
type SummaryInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ReceiptIssuedJob confirms a recorded receipt against the ledger and
// refreshes cached finance summaries.
type ReceiptIssuedJob struct {
	Receipts ReceiptReader
	Summary  SummaryInvalidator
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewReceiptIssuedJob initialises the receipt handler.
func NewReceiptIssuedJob(receipts ReceiptReader, summary SummaryInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReceiptIssuedJob {
	return &ReceiptIssuedJob{Receipts: receipts, Summary: summary, Logger: logger, Metrics: metrics}
}

// Handle processes TaskReceiptIssued tasks.
func (j *ReceiptIssuedJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Receipts == nil {
		return errors.New("receipt issued: handler not configured")
	}
	var event invoices.ReceiptEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("decode receipt event: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskReceiptIssued)
	defer func() { err = tracker.End(err) }()

	receipt, err := j.Receipts.GetReceipt(ctx, event.ReceiptNumber)
	if errors.Is(err, shared.ErrNotFound) {
		// The payment transaction may have rolled back after publishing.
		j.logger().Warn("receipt not found", slog.String("receipt", event.ReceiptNumber))
		return fmt.Errorf("receipt %s: %w", event.ReceiptNumber, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	if j.Summary != nil {
		if err := j.Summary.Invalidate(ctx); err != nil {
			return err
		}
	}
	j.logger().Info("receipt issued",
		slog.String("receipt", receipt.ReceiptNumber),
		slog.String("invoice", receipt.InvoiceNumber),
		slog.Int64("client_id", receipt.ClientID),
		slog.String("amount", receipt.Amount.StringFixed(pricing.MoneyScale)),
		slog.String("invoice_status", string(receipt.PaymentStatus)),
	)
	return nil
}

func (j *ReceiptIssuedJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
