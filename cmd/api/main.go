package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nearmarket/escrow-engine/api/controllers"
	"github.com/nearmarket/escrow-engine/api/routes"
	"github.com/nearmarket/escrow-engine/internal/commission"
	"github.com/nearmarket/escrow-engine/internal/disputes"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/internal/payouts"
	"github.com/nearmarket/escrow-engine/internal/query"
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
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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
	flagsRepo := payments.NewFlagRepository(dbClient.DB())
	payoutsRepo := payouts.NewRepository(dbClient.DB())
	queryRepo := query.NewRepository(dbClient.DB())
	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
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
		Flags:    flagsRepo,
		Tx:       dbClient,
		Outbox:   outboxSvc,
		Gateway:  gatewayClient,
		Retries:  cfg.Escrow.TransitionRetries,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	disputesService, err := disputes.NewService(disputes.ServiceParams{
		Repo:    disputesRepo,
		Txns:    escrowRepo,
		Tx:      dbClient,
		Outbox:  outboxSvc,
		Calc:    calc,
		Retries: cfg.Escrow.TransitionRetries,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispute service", err)
		os.Exit(1)
	}

	payoutsService, err := payouts.NewService(payouts.ServiceParams{
		Repo:   payoutsRepo,
		Tx:     dbClient,
		Outbox: outboxSvc,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payout service", err)
		os.Exit(1)
	}

	queryService, err := query.NewService(queryRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create query service", err)
		os.Exit(1)
	}

	webhookGuard := controllers.NewWebhookGuard(redisClient)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			escrowService,
			paymentsService,
			disputesService,
			payoutsService,
			payoutsRepo,
			queryService,
			flagsRepo,
			gatewayClient,
			webhookGuard,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
