package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/giftpipe-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/giftpipe-backend/api/controllers/admin"
	webhookcontrollers "github.com/angelmondragon/giftpipe-backend/api/controllers/webhooks"
	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
)

// RedisStore is the slice of the redis client the HTTP layer needs.
type RedisStore interface {
	redis.IdempotencyStore
	redis.Pinger
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type StripeSigner interface {
	SigningSecret() string
}

type WebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// Dependencies are the services the API process mounts.
type Dependencies struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       db.Pinger
	Redis    RedisStore
	Metrics  *metrics.PipelineMetrics
	Gatherer prometheus.Gatherer

	StripeClient   StripeSigner
	StripeWebhooks webhookcontrollers.StripeWebhookService
	StripeGuard    WebhookGuard
	VendorWebhooks webhookcontrollers.VendorCallbackService

	Payments       controllers.PaymentIntentCreator
	Reconciliation controllers.SessionReconciler
	Orders         controllers.OrderReader
	AutoGift       controllers.AutoGiftCanceller
	Admin          admincontrollers.Service
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.RateLimit.CheckoutWindow,
		cfg.RateLimit.CheckoutIPLimit,
		cfg.RateLimit.CheckoutEmailLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, deps.DB, deps.Redis, logg))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.StripeWebhooks, deps.StripeClient, deps.StripeGuard, logg))
		r.Post("/vendor", webhookcontrollers.VendorWebhook(deps.VendorWebhooks, cfg.Vendor.CallbackToken, deps.Metrics, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(deps.Redis, logg))

		r.With(middleware.RateLimit(checkoutPolicy, deps.Redis, logg)).
			Post("/checkout/payment-intents", controllers.CreatePaymentIntent(deps.Payments, logg))
		r.Post("/checkout/sessions/{sessionId}/reconcile", controllers.ReconcileCheckoutSession(deps.Reconciliation, logg))
		r.Get("/orders/{orderId}/status", controllers.OrderStatus(deps.Orders, logg))
		r.Post("/auto-gifts/rules/{ruleId}/cancel", controllers.CancelAutoGiftRule(deps.AutoGift, logg))
		r.Post("/auto-gifts/executions/{executionId}/cancel", controllers.CancelAutoGiftExecution(deps.AutoGift, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.ActorRoleAdmin, logg))
		r.Use(middleware.Idempotency(deps.Redis, logg))

		svc := deps.Admin
		r.Get("/fulfillment/status", admincontrollers.Status(svc, logg))
		r.Post("/fulfillment/process", admincontrollers.TriggerProcessing(svc, logg))
		r.Post("/funding/check", admincontrollers.CheckFunding(svc, logg))
		r.Post("/funding/alerts/{alertId}/resolve", admincontrollers.ResolveAlert(svc, logg))
		r.Post("/orders/reconcile-missed", admincontrollers.ReconcileMissed(svc, logg))
		r.Post("/orders/fix-stuck", admincontrollers.FixStuck(svc, logg))
		r.Post("/orders/sweep", admincontrollers.Sweep(svc, logg))
		r.Get("/orders/{orderId}", admincontrollers.OrderDetail(svc, logg))
		r.Post("/orders/{orderId}/scheduled-date", admincontrollers.UpdateScheduledDate(svc, logg))
		r.Post("/orders/{orderId}/retry", admincontrollers.RetryOrder(svc, logg))
		r.Post("/orders/{orderId}/cancel", admincontrollers.CancelOrder(svc, logg))
		r.Post("/orders/{orderId}/sync", admincontrollers.SyncOrder(svc, logg))
		r.Post("/auto-gifts/run", admincontrollers.RunAutoGifts(svc, logg))
	})

	return r
}
