package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voyageos/voyageos/internal/app"
	"github.com/voyageos/voyageos/internal/catalog"
	"github.com/voyageos/voyageos/internal/finance"
	"github.com/voyageos/voyageos/internal/invoices"
	"github.com/voyageos/voyageos/internal/observability"
	"github.com/voyageos/voyageos/internal/platform/cache"
	"github.com/voyageos/voyageos/internal/platform/db"
	"github.com/voyageos/voyageos/internal/quotations"
	"github.com/voyageos/voyageos/internal/sequence"
	"github.com/voyageos/voyageos/internal/shared"
	"github.com/voyageos/voyageos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	allocator := sequence.NewAllocator(newCounter(cfg, dbpool, redisClient), logger,
		sequence.WithObserver(metrics),
		sequence.WithMaxAttempts(cfg.SequenceMaxAttempts),
	)
	audit := shared.NewAuditLogger(dbpool)

	jobClient := jobs.NewClient(cfg.Redis().AsynqOpt())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.Redis().AsynqOpt())
	defer func() { _ = inspector.Close() }()

	financeService := finance.NewService(
		finance.NewRepository(dbpool),
		finance.NewCache(redisClient, cfg.FinanceCacheTTL),
		logger,
	)

	quotationRepo := quotations.NewRepository(dbpool)
	quotationService := quotations.NewService(quotationRepo, catalog.NewRepository(dbpool), allocator, audit, metrics, logger)
	invoiceService := invoices.NewService(invoices.NewRepository(dbpool), quotationRepo, allocator, logger,
		invoices.WithAudit(audit),
		invoices.WithNotifier(jobClient),
		invoices.WithInvalidator(financeService),
		invoices.WithMetrics(metrics),
	)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		QuotationsHandler: quotations.NewHandler(logger, quotationService),
		InvoicesHandler:   invoices.NewHandler(logger, invoiceService),
		FinanceHandler:    finance.NewHandler(logger, financeService),
		JobsHandler:       jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("sequence_backend", cfg.SequenceBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func newCounter(cfg *app.Config, pool *pgxpool.Pool, client *redis.Client) sequence.Counter {
	seeder := sequence.NewPGSeeder(pool)
	if cfg.SequenceBackend == app.SequenceRedis {
		return sequence.NewRedisCounter(client, seeder)
	}
	return sequence.NewPGCounter(pool, seeder)
}
