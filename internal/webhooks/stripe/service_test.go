package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/dbtest"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
	"github.com/angelmondragon/giftpipe-backend/pkg/stripe/stripetest"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

type harness struct {
	svc     *Service
	orders  *orders.Service
	gateway *stripetest.Gateway
}

func newHarness(t *testing.T) harness {
	t.Helper()
	client := dbtest.Open(t)
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:   orders.NewRepository(client.DB()),
		Tx:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
	})
	require.NoError(t, err)
	gateway := stripetest.New()
	paymentsSvc, err := payments.NewService(payments.ServiceParams{Gateway: gateway, Orders: ordersSvc})
	require.NoError(t, err)
	recon, err := reconciliation.NewService(reconciliation.ServiceParams{Gateway: gateway, Orders: ordersSvc, Payments: paymentsSvc})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{Reconciler: recon, Orders: ordersSvc})
	require.NoError(t, err)
	return harness{svc: svc, orders: ordersSvc, gateway: gateway}
}

func stage(t *testing.T, h harness, intentID string) *models.Order {
	t.Helper()
	res, err := h.orders.CreatePending(context.Background(), orders.CreatePendingInput{
		PaymentIntentID: intentID,
		Draft: orders.Draft{
			CustomerEmail: "buyer@example.com",
			AmountCents:   2500,
			Currency:      enums.CurrencyUSD,
			CaptureMethod: enums.CaptureMethodAutomatic,
			Items:         types.CartItems{{ProductID: "p", VendorProductID: "B1", Name: "Tea", Quantity: 1, UnitPriceCents: 2500}},
			Shipping: &types.ShippingAddress{
				Name: "Ada", Line1: "1 Main", City: "Austin", State: "TX", PostalCode: "78701", Country: "US",
			},
		},
	})
	require.NoError(t, err)
	return res.Order
}

func eventFor(t *testing.T, id string, typ stripe.EventType, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{ID: id, Type: typ, Data: &stripe.EventData{Raw: raw}}
}

func TestDecodeMapsEventTypes(t *testing.T) {
	cases := []struct {
		typ    stripe.EventType
		object any
		want   Event
	}{
		{stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi"}, PaymentSucceeded{}},
		{stripe.EventTypePaymentIntentAmountCapturableUpdated, stripe.PaymentIntent{ID: "pi"}, PaymentAuthorized{}},
		{stripe.EventTypePaymentIntentPaymentFailed, stripe.PaymentIntent{ID: "pi"}, PaymentFailed{}},
		{stripe.EventTypeCheckoutSessionCompleted, stripe.CheckoutSession{ID: "cs"}, CheckoutCompleted{}},
		{stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.CheckoutSession{ID: "cs"}, CheckoutFailed{}},
		{stripe.EventTypeChargeRefunded, stripe.Charge{ID: "ch"}, ChargeRefunded{}},
		{stripe.EventType("customer.created"), map[string]string{"id": "cus"}, UnknownEvent{}},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			got, err := Decode(eventFor(t, "evt", tc.typ, tc.object))
			require.NoError(t, err)
			assert.IsType(t, tc.want, got)
		})
	}

	_, err := Decode(eventFor(t, "evt", stripe.EventTypePaymentIntentSucceeded, map[string]string{}))
	assert.Error(t, err)
}

func TestPaymentSucceededConfirmsFromProcessorState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := stage(t, h, "pi_ok")
	h.gateway.PutIntent(&stripe.PaymentIntent{ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded, Amount: 2500})

	// the payload claims success; the processor record is what counts
	err := h.svc.HandleEvent(ctx, eventFor(t, "evt_1", stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi_ok"}))
	require.NoError(t, err)

	current, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentConfirmed, current.Status)
	assert.Equal(t, enums.PaymentStatusSucceeded, current.PaymentStatus)
}

func TestPaymentSucceededWithStaleProcessorStateIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := stage(t, h, "pi_slow")
	h.gateway.PutIntent(&stripe.PaymentIntent{ID: "pi_slow", Status: stripe.PaymentIntentStatusProcessing, Amount: 2500})

	err := h.svc.HandleEvent(ctx, eventFor(t, "evt_2", stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi_slow", Status: stripe.PaymentIntentStatusSucceeded}))
	require.NoError(t, err)

	current, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, current.Status)
}

func TestProcessorOutageAsksForRedelivery(t *testing.T) {
	h := newHarness(t)
	stage(t, h, "pi_down")
	h.gateway.Fail("GetPaymentIntent", &stripe.Error{HTTPStatusCode: 500, Msg: "boom"})

	err := h.svc.HandleEvent(context.Background(), eventFor(t, "evt_3", stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi_down"}))
	assert.Error(t, err)
}

func TestPaymentFailedMarksOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := stage(t, h, "pi_bad")
	h.gateway.PutIntent(&stripe.PaymentIntent{
		ID:               "pi_bad",
		Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
		Amount:           2500,
		LastPaymentError: &stripe.Error{Msg: "insufficient funds"},
	})

	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_4", stripe.EventTypePaymentIntentPaymentFailed, stripe.PaymentIntent{ID: "pi_bad"})))

	current, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentFailed, current.Status)
	require.NotNil(t, current.FailureReason)
	assert.Equal(t, "insufficient funds", *current.FailureReason)
}

func TestPaymentEventForUnknownOrderIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.gateway.PutIntent(&stripe.PaymentIntent{ID: "pi_hosted", Status: stripe.PaymentIntentStatusSucceeded, Amount: 900})

	err := h.svc.HandleEvent(context.Background(), eventFor(t, "evt_5", stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi_hosted"}))
	assert.NoError(t, err)
}

func TestCheckoutCompletedCreatesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := &stripe.CheckoutSession{
		ID:              "cs_hook",
		Status:          stripe.CheckoutSessionStatusComplete,
		PaymentStatus:   stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:     1800,
		Currency:        stripe.CurrencyUSD,
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{Email: "buyer@example.com"},
		PaymentIntent:   &stripe.PaymentIntent{ID: "pi_hook", Status: stripe.PaymentIntentStatusSucceeded, Amount: 1800},
	}
	h.gateway.PutSession(session)

	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_6", stripe.EventTypeCheckoutSessionCompleted, stripe.CheckoutSession{
		ID:            "cs_hook",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
	})))

	order, err := h.orders.GetByCheckoutSession(ctx, "cs_hook")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentConfirmed, order.Status)

	// an unpaid completion waits for the async payment events
	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_7", stripe.EventTypeCheckoutSessionCompleted, stripe.CheckoutSession{
		ID:            "cs_async",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
	})))
	assert.Equal(t, 1, h.gateway.CallCount("GetCheckoutSession"))
}

func TestChargeRefundedMarksOrderRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := stage(t, h, "pi_ref")
	h.gateway.PutIntent(&stripe.PaymentIntent{ID: "pi_ref", Status: stripe.PaymentIntentStatusSucceeded, Amount: 2500})
	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_8", stripe.EventTypePaymentIntentSucceeded, stripe.PaymentIntent{ID: "pi_ref"})))

	partial := stripe.Charge{ID: "ch_1", Refunded: false, PaymentIntent: &stripe.PaymentIntent{ID: "pi_ref"}}
	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_9", stripe.EventTypeChargeRefunded, partial)))
	current, _ := h.orders.Get(ctx, order.ID)
	assert.Equal(t, enums.PaymentStatusSucceeded, current.PaymentStatus)

	full := stripe.Charge{ID: "ch_1", Refunded: true, PaymentIntent: &stripe.PaymentIntent{ID: "pi_ref"}}
	require.NoError(t, h.svc.HandleEvent(ctx, eventFor(t, "evt_10", stripe.EventTypeChargeRefunded, full)))
	current, _ = h.orders.Get(ctx, order.ID)
	assert.Equal(t, enums.PaymentStatusRefunded, current.PaymentStatus)
}

func TestIdempotencyGuardClaimsOnce(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	guard, err := NewIdempotencyGuard(client, 0, "")
	require.NoError(t, err)

	seen, err := guard.CheckAndMark(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = guard.CheckAndMark(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, DefaultGuardTTL, srv.TTL("gp:idempotency:stripe_webhook:evt_1"))

	require.NoError(t, guard.Release(ctx, "evt_1"))
	seen, err = guard.CheckAndMark(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, seen)

	srv.FastForward(DefaultGuardTTL + time.Minute)
	assert.False(t, srv.Exists("gp:idempotency:stripe_webhook:evt_1"))
}
