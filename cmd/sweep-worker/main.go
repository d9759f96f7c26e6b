package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nearmarket/escrow-engine/internal/commission"
	"github.com/nearmarket/escrow-engine/internal/cron"
	"github.com/nearmarket/escrow-engine/internal/disputes"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/pkg/config"
	"github.com/nearmarket/escrow-engine/pkg/db"
	"github.com/nearmarket/escrow-engine/pkg/gateway"
	"github.com/nearmarket/escrow-engine/pkg/logger"
	"github.com/nearmarket/escrow-engine/pkg/metrics"
	"github.com/nearmarket/escrow-engine/pkg/migrate"
	"github.com/nearmarket/escrow-engine/pkg/outbox"
	"github.com/nearmarket/escrow-engine/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "sweep-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "sweep-worker"

	logg = logger.New(logger.Options{
		ServiceName: "sweep-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gatewayClient, err := gateway.NewClient(cfg.Gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway client", err)
		os.Exit(1)
	}

	calc, err := commission.NewCalculator(cfg.Escrow.CommissionBps, cfg.Escrow.CommissionRefundOnPartial)
	if err != nil {
		logg.Error(context.Background(), "failed to create commission calculator", err)
		os.Exit(1)
	}

	escrowRepo := escrow.NewRepository(dbClient.DB())
	disputesRepo := disputes.NewRepository(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxSvc := outbox.NewService(outboxRepo, logg)
	transitionMetrics := metrics.NewTransitionMetrics(prometheus.DefaultRegisterer)

	escrowService, err := escrow.NewService(escrow.ServiceParams{
		Repo:    escrowRepo,
		Tx:      dbClient,
		Outbox:  outboxSvc,
		Calc:    calc,
		Metrics: transitionMetrics,
		Retries: cfg.Escrow.TransitionRetries,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create escrow service", err)
		os.Exit(1)
	}

	paymentsService, err := payments.NewService(payments.ServiceParams{
		Txns:     escrowRepo,
		Disputes: disputesRepo,
		Flags:    payments.NewFlagRepository(dbClient.DB()),
		Tx:       dbClient,
		Outbox:   outboxSvc,
		Gateway:  gatewayClient,
		Retries:  cfg.Escrow.TransitionRetries,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	autoConfirm, err := cron.NewAutoConfirmJob(cron.AutoConfirmJobParams{
		Logger: logg,
		Reader: escrowRepo,
		Escrow: escrowService,
		Window: cfg.Escrow.AutoConfirmWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create auto-confirm job", err)
		os.Exit(1)
	}

	autoRelease, err := cron.NewAutoReleaseJob(cron.AutoReleaseJobParams{
		Logger: logg,
		Reader: escrowRepo,
		Escrow: escrowService,
		Window: cfg.Escrow.AutoReleaseWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create auto-release job", err)
		os.Exit(1)
	}

	refunds, err := cron.NewRefundJob(cron.RefundJobParams{
		Logger:   logg,
		Disputes: disputesRepo,
		Payments: paymentsService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create refund job", err)
		os.Exit(1)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
		Retention:  cfg.Outbox.RetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("sweep-worker:"+cfg.App.Env), cfg.Sweep.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(autoConfirm, autoRelease, refunds, retention)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting sweep worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sweep worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "sweep worker shutting down gracefully")
}
