package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nearmarket/escrow-engine/api/controllers"
	"github.com/nearmarket/escrow-engine/api/middleware"
	"github.com/nearmarket/escrow-engine/internal/disputes"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/internal/payouts"
	"github.com/nearmarket/escrow-engine/internal/query"
	"github.com/nearmarket/escrow-engine/pkg/config"
	"github.com/nearmarket/escrow-engine/pkg/db"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/gateway"
	"github.com/nearmarket/escrow-engine/pkg/logger"
	pkgredis "github.com/nearmarket/escrow-engine/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *pkgredis.Client,
	escrowService escrow.Service,
	paymentsService payments.Service,
	disputesService disputes.Service,
	payoutsService payouts.Service,
	payoutsRepo payouts.Repository,
	queryService query.Service,
	flagsRepo payments.FlagRepository,
	gatewayClient *gateway.Client,
	webhookGuard *controllers.WebhookGuard,
) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	apiPolicy := middleware.RateLimitPolicy{
		Name:   "api",
		Window: cfg.RateLimit.Window,
		Limit:  cfg.RateLimit.Limit,
	}

	// A typed nil *Client must not reach the middlewares as a non-nil
	// interface.
	var idemStore pkgredis.IdempotencyStore
	var redisP pkgredis.Pinger
	var limiter interface {
		FixedWindowAllow(context.Context, string, int64, time.Duration) (bool, int64, error)
	}
	if redisClient != nil {
		idemStore = redisClient
		redisP = redisClient
		limiter = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/gateway", controllers.GatewayWebhook(paymentsService, gatewayClient, webhookGuard, logg))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RateLimit(apiPolicy, limiter, logg))
		r.Use(middleware.Idempotency(idemStore, logg))

		r.Route("/v1/transactions", func(r chi.Router) {
			r.Post("/", controllers.CreateTransaction(escrowService, logg))
			r.Get("/", controllers.ListTransactions(queryService, logg))
			r.Get("/{transactionId}", controllers.TransactionDetail(queryService, logg))
			r.Post("/{transactionId}/cancel", controllers.CancelTransaction(escrowService, logg))
			r.Post("/{transactionId}/verify", controllers.VerifyPayment(paymentsService, logg))
			r.Post("/{transactionId}/ship", controllers.ShipTransaction(escrowService, logg))
			r.Post("/{transactionId}/delivery", controllers.ConfirmDelivery(escrowService, logg))
			r.Post("/{transactionId}/confirm", controllers.ConfirmSatisfaction(escrowService, logg))
			r.Post("/{transactionId}/disputes", controllers.OpenDispute(disputesService, logg))
		})

		r.Route("/v1/payouts", func(r chi.Router) {
			r.Post("/", controllers.RequestPayout(payoutsService, logg))
			r.Get("/", controllers.ListPayouts(payoutsRepo, logg))
		})

		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(middleware.RequireRole(enums.ActorRoleAdmin.String(), logg))

			r.Get("/transactions", controllers.AdminListTransactions(queryService, logg))
			r.Get("/reviews", controllers.ManualReviewQueue(queryService, logg))
			r.Post("/reviews/{reviewId}/resolve", controllers.ResolveManualReview(flagsRepo, logg))

			r.Route("/disputes/{disputeId}", func(r chi.Router) {
				r.Post("/review", controllers.ReviewDispute(disputesService, logg))
				r.Post("/resolve", controllers.ResolveDispute(disputesService, logg))
				r.Post("/close", controllers.CloseDispute(disputesService, logg))
			})

			r.Route("/payouts/{payoutId}", func(r chi.Router) {
				r.Post("/processing", controllers.MarkPayoutProcessing(payoutsService, logg))
				r.Post("/processed", controllers.MarkPayoutProcessed(payoutsService, logg))
				r.Post("/retry", controllers.RetryPayout(payoutsService, logg))
				r.Post("/cancel", controllers.CancelPayout(payoutsService, logg))
			})
		})
	})

	return r
}
