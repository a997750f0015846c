package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
)

// KeyPurger removes idempotency records older than a retention window.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob purges expired Idempotency-Key records.
type IdempotencyCleanupJob struct {
	Keys      KeyPurger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	retention := j.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	if err := j.Keys.Cleanup(ctx, retention); err != nil {
		return tracker.End(err)
	}
	if j.Logger != nil {
		j.Logger.Info("idempotency keys purged", slog.Duration("retention", retention))
	}
	return tracker.End(nil)
}
