package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voyageos/voyageos/internal/invoices"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReceiptIssued follows up on a newly recorded payment.
	TaskReceiptIssued = "receipt:issued"
	// TaskLedgerIntegrity recomputes invoice balances from payments.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges expired Idempotency-Key records.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// receiptNamespace scopes receipt task IDs.
var receiptNamespace = uuid.MustParse("5b0c8a3e-6f1d-4c2a-9e57-0d3f1b7a2c64")

// receiptTaskID derives a stable task ID so a receipt is processed once.
func receiptTaskID(receiptNumber string) string {
	return uuid.NewSHA1(receiptNamespace, []byte(receiptNumber)).String()
}

// NewReceiptIssuedTask constructs an Asynq task for a recorded payment.
func NewReceiptIssuedTask(event invoices.ReceiptEvent) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceiptIssued, data,
		asynq.TaskID(receiptTaskID(event.ReceiptNumber)),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(5),
	), nil
}

// LedgerIntegrityPayload tunes a ledger integrity scan.
type LedgerIntegrityPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NewIdempotencyCleanupTask constructs the key purge task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
