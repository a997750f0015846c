package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/voyageos/voyageos/internal/app"
	"github.com/voyageos/voyageos/internal/finance"
	"github.com/voyageos/voyageos/internal/invoices"
	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
	"github.com/voyageos/voyageos/internal/platform/cache"
	"github.com/voyageos/voyageos/internal/platform/db"
	"github.com/voyageos/voyageos/internal/shared"
	"github.com/voyageos/voyageos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	financeService := finance.NewService(
		finance.NewRepository(pool),
		finance.NewCache(redisClient, cfg.FinanceCacheTTL),
		logger,
	)

	receiptJob := jobs.NewReceiptIssuedJob(invoices.NewRepository(pool), financeService, logger, metrics)
	integrityJob := jobs.NewLedgerIntegrityJob(jobs.NewPGLedgerSource(pool), logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Keys:      shared.NewIdempotencyStore(pool),
		Retention: cfg.IdempotencyTTL,
		Logger:    logger,
		Metrics:   metrics,
	}

	integrityTask, err := jobs.NewLedgerIntegrityTask(0)
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReceiptIssued, Handler: receiptJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
