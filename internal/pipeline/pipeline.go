package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/giftpipe-backend/internal/admin"
	"github.com/angelmondragon/giftpipe-backend/internal/autogift"
	"github.com/angelmondragon/giftpipe-backend/internal/fulfillment"
	"github.com/angelmondragon/giftpipe-backend/internal/funding"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/internal/recovery"
	stripewebhooks "github.com/angelmondragon/giftpipe-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
	stripeclient "github.com/angelmondragon/giftpipe-backend/pkg/stripe"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

const stripeGuardScope = "stripe-webhook"

type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// Pipeline holds every domain service a process may mount. Each binary
// uses the slice it needs.
type Pipeline struct {
	Stripe  *stripeclient.Client
	Zinc    *zinc.Client
	Outbox  *outbox.Service
	Metrics *metrics.PipelineMetrics

	Orders         *orders.Service
	Payments       *payments.Service
	Reconciliation *reconciliation.Service
	StripeWebhooks *stripewebhooks.Service
	StripeGuard    *stripewebhooks.IdempotencyGuard
	Gate           *funding.Gate
	Fulfillment    *fulfillment.Service
	Funding        *funding.Service
	Recovery       *recovery.Service
	AutoGift       *autogift.Service
	Admin          *admin.Service
}

// Build constructs the services bottom-up. Cancel hooks run payments first so
// the authorization is released before auto-gift bookkeeping.
func Build(ctx context.Context, p Params) (*Pipeline, error) {
	if p.Config == nil {
		return nil, errors.New("config is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.DB == nil {
		return nil, errors.New("database client is required")
	}
	if p.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	reg := p.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cfg := p.Config
	logg := p.Logger
	gdb := p.DB.DB()

	out := &Pipeline{Metrics: metrics.NewPipelineMetrics(reg)}
	out.Outbox = outbox.NewService(outbox.NewRepository(gdb), logg)

	var err error
	if out.Stripe, err = stripeclient.NewClient(ctx, cfg.Stripe, logg); err != nil {
		return nil, fmt.Errorf("stripe client: %w", err)
	}
	gateway := stripeclient.NewGateway(out.Stripe)

	if out.Zinc, err = zinc.New(cfg.Vendor); err != nil {
		return nil, fmt.Errorf("zinc client: %w", err)
	}

	if out.Orders, err = orders.NewService(orders.ServiceParams{
		Repo:   orders.NewRepository(gdb),
		Tx:     p.DB,
		Outbox: out.Outbox,
		Logger: logg,
	}); err != nil {
		return nil, fmt.Errorf("orders service: %w", err)
	}

	if out.Payments, err = payments.NewService(payments.ServiceParams{
		Gateway: gateway,
		Orders:  out.Orders,
		Logger:  logg,
	}); err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	if out.Reconciliation, err = reconciliation.NewService(reconciliation.ServiceParams{
		Gateway:  gateway,
		Orders:   out.Orders,
		Payments: out.Payments,
		Logger:   logg,
	}); err != nil {
		return nil, fmt.Errorf("reconciliation service: %w", err)
	}

	if out.StripeWebhooks, err = stripewebhooks.NewService(stripewebhooks.ServiceParams{
		Reconciler: out.Reconciliation,
		Orders:     out.Orders,
		Logger:     logg,
		Metrics:    out.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("stripe webhook service: %w", err)
	}
	if out.StripeGuard, err = stripewebhooks.NewIdempotencyGuard(p.Redis, cfg.Eventing.WebhookGuardTTL, stripeGuardScope); err != nil {
		return nil, fmt.Errorf("stripe webhook guard: %w", err)
	}

	if out.Gate, err = funding.NewGate(out.Zinc, p.Redis, cfg.Funding.BalanceCacheTTL, logg); err != nil {
		return nil, fmt.Errorf("funding gate: %w", err)
	}

	if out.Fulfillment, err = fulfillment.NewService(fulfillment.ServiceParams{
		Orders:   out.Orders,
		Vendor:   out.Zinc,
		Gate:     out.Gate,
		Payments: out.Payments,
		Locks:    p.Redis,
		Options: fulfillment.VendorOptions{
			Retailer:       cfg.Vendor.Retailer,
			ShippingMethod: cfg.Vendor.ShippingSpeed,
			CallbackURL:    cfg.Vendor.CallbackURL,
			CallbackToken:  cfg.Vendor.CallbackToken,
		},
		Logger:  logg,
		Metrics: out.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("fulfillment service: %w", err)
	}

	if out.Funding, err = funding.NewService(funding.ServiceParams{
		Repo:       funding.NewRepository(gdb),
		Tx:         p.DB,
		Outbox:     out.Outbox,
		Orders:     out.Orders,
		Dispatcher: out.Fulfillment,
		Balance:    out.Gate,
		Config:     cfg.Funding,
		Logger:     logg,
		Metrics:    out.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("funding service: %w", err)
	}

	if out.Recovery, err = recovery.NewService(recovery.ServiceParams{
		Repo:       recovery.NewRepository(gdb),
		Orders:     out.Orders,
		Verifier:   out.Reconciliation,
		Dispatcher: out.Fulfillment,
		Payments:   out.Payments,
		Config:     cfg.Recovery,
		Logger:     logg,
		Metrics:    out.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("recovery service: %w", err)
	}

	if out.AutoGift, err = autogift.NewService(autogift.ServiceParams{
		Repo:     autogift.NewRepository(gdb),
		Tx:       p.DB,
		Outbox:   out.Outbox,
		Payments: out.Payments,
		Orders:   out.Orders,
		Config:   cfg.AutoGift,
		Logger:   logg,
		Metrics:  out.Metrics,
	}); err != nil {
		return nil, fmt.Errorf("auto-gift service: %w", err)
	}

	out.Orders.AddCancelHook(out.Payments)
	out.Orders.AddCancelHook(out.AutoGift)

	if out.Admin, err = admin.NewService(admin.ServiceParams{
		Orders:         out.Orders,
		Funding:        out.Funding,
		Recovery:       out.Recovery,
		Dispatcher:     out.Fulfillment,
		Reconciliation: out.Reconciliation,
		AutoGift:       out.AutoGift,
		Logger:         logg,
	}); err != nil {
		return nil, fmt.Errorf("admin service: %w", err)
	}

	return out, nil
}
