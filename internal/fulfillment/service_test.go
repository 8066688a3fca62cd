package fulfillment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/dbtest"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

type fakeVendor struct {
	mu       sync.Mutex
	requests []zinc.PlaceOrderRequest
	placeErr error
	snapshot *zinc.OrderResponse
}

func (f *fakeVendor) PlaceOrder(_ context.Context, req zinc.PlaceOrderRequest) (*zinc.PlaceOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.requests = append(f.requests, req)
	return &zinc.PlaceOrderResponse{RequestID: "zr_" + req.IdempotencyKey}, nil
}

func (f *fakeVendor) GetOrder(_ context.Context, requestID string) (*zinc.OrderResponse, error) {
	if f.snapshot == nil {
		return nil, zinc.ErrUnavailable
	}
	res := *f.snapshot
	res.RequestID = requestID
	return &res, nil
}

func (f *fakeVendor) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type balanceGate struct {
	balance int64
	err     error
}

func (g *balanceGate) HasCapacity(_ context.Context, amount int64) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.balance >= amount, nil
}

type fakeSettler struct {
	orders   *orders.Service
	captured []string
	released []string
}

func (f *fakeSettler) CapturePayment(_ context.Context, intentID string) (*payments.Verification, error) {
	f.captured = append(f.captured, intentID)
	return &payments.Verification{PaymentIntentID: intentID}, nil
}

func (f *fakeSettler) ReleaseOrRefund(ctx context.Context, intentID string) (payments.ReleaseAction, error) {
	f.released = append(f.released, intentID)
	order, err := f.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		return payments.ReleaseNone, err
	}
	return payments.ReleaseRefunded, f.orders.MarkRefunded(ctx, order.ID)
}

type harness struct {
	svc     *Service
	orders  *orders.Service
	vendor  *fakeVendor
	gate    *balanceGate
	capture *fakeSettler
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t)
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:   orders.NewRepository(client.DB()),
		Tx:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
	})
	require.NoError(t, err)

	srv := miniredis.RunT(t)
	locks := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))

	h := &harness{
		orders:  ordersSvc,
		vendor:  &fakeVendor{},
		gate:    &balanceGate{balance: 1_000_000},
		capture: &fakeSettler{orders: ordersSvc},
		now:     time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	}
	h.svc, err = NewService(ServiceParams{
		Orders:   ordersSvc,
		Vendor:   h.vendor,
		Gate:     h.gate,
		Payments: h.capture,
		Locks:    locks,
		Options:  VendorOptions{Retailer: "amazon", CallbackURL: "https://api.example.com/webhooks/zinc", CallbackToken: "s3cret"},
		Clock:    func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) paidOrder(t *testing.T, mutate func(*orders.Draft)) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	intentID := "pi_" + uuid.NewString()[:8]
	draft := orders.Draft{
		CustomerEmail: "buyer@example.com",
		AmountCents:   2500,
		Currency:      enums.CurrencyUSD,
		CaptureMethod: enums.CaptureMethodAutomatic,
		Items: types.CartItems{
			{ProductID: "p-1", VendorProductID: "B000123", Name: "Mug", Quantity: 1, UnitPriceCents: 2500},
		},
		Shipping: &types.ShippingAddress{
			Name: "Ada Lovelace", Line1: "1 Main St", City: "Austin",
			State: "TX", PostalCode: "78701", Country: "US",
		},
		Gift: &types.GiftOptions{Message: "Happy birthday"},
	}
	if mutate != nil {
		mutate(&draft)
	}
	_, err := h.orders.CreatePending(ctx, orders.CreatePendingInput{PaymentIntentID: intentID, Draft: draft})
	require.NoError(t, err)

	status := enums.PaymentStatusSucceeded
	if draft.CaptureMethod == enums.CaptureMethodManual {
		status = enums.PaymentStatusAuthorized
	}
	res, err := h.orders.ConfirmPayment(ctx, orders.ConfirmPaymentInput{
		PaymentIntentID: intentID,
		PaymentStatus:   status,
		Source:          "webhook",
	})
	require.NoError(t, err)
	return res.Order.ID
}

func TestDispatchSubmitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.paidOrder(t, nil)

	first, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, first.Outcome)
	assert.Equal(t, enums.OrderStatusProcessing, first.Status)
	require.NotEmpty(t, first.VendorOrderID)

	second, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, second.Outcome)
	assert.Equal(t, first.VendorOrderID, second.VendorOrderID)
	assert.Equal(t, 1, h.vendor.placed())

	req := h.vendor.requests[0]
	assert.Equal(t, id.String(), req.IdempotencyKey)
	assert.Equal(t, int64(2500), req.MaxPrice)
	assert.True(t, req.IsGift)
	assert.Equal(t, "Happy birthday", req.GiftMessage)
	assert.Equal(t, "Ada", req.ShippingAddress.FirstName)
	require.NotNil(t, req.Webhooks)
	assert.Contains(t, req.Webhooks.StatusUpdated, "token=s3cret")

	order, err := h.orders.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.FundingStatusFunded, order.FundingStatus)
}

func TestDispatchConcurrentCallsPlaceOneVendorOrder(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Dispatch(context.Background(), id, "test")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.vendor.placed())
	order, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusProcessing, order.Status)
}

func TestDispatchParksUntilBalanceCoversOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.paidOrder(t, func(d *orders.Draft) {
		d.AmountCents = 50000
		d.Items[0].UnitPriceCents = 50000
	})

	h.gate.balance = 40000
	res, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingFunds, res.Outcome)
	assert.Equal(t, enums.OrderStatusAwaitingFunds, res.Status)

	h.gate.balance = 50000
	res, err = h.svc.Dispatch(ctx, id, "funding")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, 1, h.vendor.placed())
}

func TestDispatchParksOnVendorInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, nil)
	h.vendor.placeErr = &zinc.APIError{StatusCode: http.StatusBadRequest, Code: zinc.CodeInsufficientFunds}

	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingFunds, res.Outcome)

	order, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enums.FundingStatusAwaitingFunds, order.FundingStatus)
}

func TestDispatchSchedulesFutureDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	id := h.paidOrder(t, func(d *orders.Draft) { d.ScheduledDeliveryDate = &due })

	res, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, res.Outcome)
	assert.Equal(t, 0, h.vendor.placed())

	h.now = due.Add(2 * time.Hour)
	res, err = h.svc.Dispatch(ctx, id, "sweep")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
}

func TestDispatchPermanentRejectionFailsOrder(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, nil)
	h.vendor.placeErr = &zinc.APIError{StatusCode: http.StatusBadRequest, Code: "invalid_shipping_address", Message: "bad zip"}

	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, enums.OrderStatusFailed, res.Status)
	assert.Contains(t, res.Reason, "bad zip")
	assert.Len(t, h.capture.released, 1)

	order, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, order.PaymentStatus)
}

func TestDispatchPermanentRejectionRefundsCapturedAuthorization(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, func(d *orders.Draft) { d.CaptureMethod = enums.CaptureMethodManual })
	h.vendor.placeErr = &zinc.APIError{StatusCode: http.StatusBadRequest, Code: "product_unavailable", Message: "gone"}

	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Len(t, h.capture.captured, 1)
	assert.Len(t, h.capture.released, 1)

	again, err := h.svc.Dispatch(context.Background(), id, "redelivery")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEligible, again.Outcome)
	assert.Len(t, h.capture.released, 1, "a settled payment is not released twice")
}

func TestDispatchTransientFailureLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.paidOrder(t, nil)
	h.vendor.placeErr = zinc.ErrUnavailable

	_, err := h.svc.Dispatch(ctx, id, "test")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())

	order, err := h.orders.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentConfirmed, order.Status)
	assert.False(t, order.HasVendorOrder())

	h.gate.err = errors.New("balance lookup down")
	h.vendor.placeErr = nil
	_, err = h.svc.Dispatch(ctx, id, "test")
	require.Error(t, err)
	assert.Equal(t, 0, h.vendor.placed())
}

func TestDispatchIncompleteShippingIsNotEligible(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, func(d *orders.Draft) { d.Shipping.PostalCode = "" })

	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotEligible, res.Outcome)
	assert.Contains(t, res.Reason, "postal_code")
	assert.Equal(t, 0, h.vendor.placed())
}

func TestDispatchCapturesAuthorizedPaymentFirst(t *testing.T) {
	h := newHarness(t)
	id := h.paidOrder(t, func(d *orders.Draft) { d.CaptureMethod = enums.CaptureMethodManual })

	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Len(t, h.capture.captured, 1)
}

func TestHandleCallbackAdvancesAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.paidOrder(t, nil)
	dispatched, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)

	callback := &zinc.OrderResponse{
		Type:      zinc.TypeOrderResponse,
		RequestID: dispatched.VendorOrderID,
		MerchantOrderIDs: []zinc.MerchantOrder{
			{MerchantOrderID: "112-555", Merchant: "amazon", PlacedAt: h.now},
		},
		Tracking: []zinc.Tracking{
			{Carrier: "UPS", TrackingNumber: "1Z999", ObtainedAt: h.now.Add(time.Hour)},
		},
	}
	first, err := h.svc.HandleCallback(ctx, callback)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Added)
	assert.Equal(t, enums.OrderStatusShipped, first.Order.Status)

	second, err := h.svc.HandleCallback(ctx, callback)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Len(t, second.Order.TimelineEvents, 2)
}

func TestHandleCallbackUnknownRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandleCallback(context.Background(), &zinc.OrderResponse{Type: zinc.TypeOrderResponse, RequestID: "zr_missing"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestSyncOrderPollsVendor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.paidOrder(t, nil)
	_, err := h.svc.Dispatch(ctx, id, "test")
	require.NoError(t, err)

	h.vendor.snapshot = &zinc.OrderResponse{
		Type: zinc.TypeOrderResponse,
		Tracking: []zinc.Tracking{
			{Carrier: "USPS", TrackingNumber: "9400", DeliveryStatus: "Delivered"},
		},
	}
	res, err := h.svc.SyncOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, res.Order.Status)
}

func (h *harness) dispatched(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	id := h.paidOrder(t, nil)
	res, err := h.svc.Dispatch(context.Background(), id, "test")
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	return id, res.VendorOrderID
}

func TestHandleCallbackInsufficientBalanceParksOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, requestID := h.dispatched(t)

	res, err := h.svc.HandleCallback(ctx, &zinc.OrderResponse{
		Type: zinc.TypeError, RequestID: requestID, Code: zinc.CodeInsufficientFunds, Message: "top up",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, enums.OrderStatusAwaitingFunds, res.Order.Status)
	assert.Equal(t, enums.FundingStatusAwaitingFunds, res.Order.FundingStatus)
	assert.False(t, res.Order.HasVendorOrder())
	assert.Empty(t, h.capture.released)

	again, err := h.svc.Dispatch(ctx, id, "funding")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, again.Outcome)
	assert.NotEqual(t, requestID, again.VendorOrderID)
	require.Equal(t, 2, h.vendor.placed())
	assert.Equal(t, id.String()+"-1", h.vendor.requests[1].IdempotencyKey)
}

func TestHandleCallbackTransientErrorAllowsResubmission(t *testing.T) {
	for _, code := range []string{"internal_error", "zma_temporarily_overloaded"} {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			id, requestID := h.dispatched(t)

			res, err := h.svc.HandleCallback(ctx, &zinc.OrderResponse{Type: zinc.TypeError, RequestID: requestID, Code: code})
			require.NoError(t, err)
			assert.Equal(t, enums.OrderStatusPaymentConfirmed, res.Order.Status)
			assert.False(t, res.Order.HasVendorOrder())
			require.Len(t, res.Order.TimelineEvents, 1)
			assert.Equal(t, enums.VendorEventRequeued, res.Order.TimelineEvents[0].Type)

			again, err := h.svc.Dispatch(ctx, id, "sweep")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSubmitted, again.Outcome)
			assert.Equal(t, 2, h.vendor.placed())
		})
	}
}

func TestHandleCallbackPermanentErrorFailsAndRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, requestID := h.dispatched(t)

	res, err := h.svc.HandleCallback(ctx, &zinc.OrderResponse{
		Type: zinc.TypeError, RequestID: requestID, Code: "product_unavailable", Message: "out of stock",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusFailed, res.Order.Status)
	assert.Len(t, h.capture.released, 1)

	order, err := h.orders.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, order.PaymentStatus)
}

func TestHandleCallbackStaleRequestDoesNotRequeue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, requestID := h.dispatched(t)

	_, err := h.svc.HandleCallback(ctx, &zinc.OrderResponse{Type: zinc.TypeError, RequestID: requestID, Code: "internal_error"})
	require.NoError(t, err)
	_, err = h.svc.Dispatch(ctx, id, "sweep")
	require.NoError(t, err)

	_, err = h.svc.HandleCallback(ctx, &zinc.OrderResponse{Type: zinc.TypeError, RequestID: requestID, Code: "internal_error"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	order, err := h.orders.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusProcessing, order.Status)
}

func TestSyncOrderUndatedUpdatesAreIngestedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.dispatched(t)

	h.vendor.snapshot = &zinc.OrderResponse{
		Type:          zinc.TypeOrderResponse,
		StatusUpdates: []zinc.StatusUpdate{{Type: "processing", Message: "order received"}},
	}
	for i := 0; i < 3; i++ {
		h.now = h.now.Add(time.Hour)
		res, err := h.svc.SyncOrder(ctx, id)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 1, res.Added)
		} else {
			assert.Equal(t, 0, res.Added)
		}
		assert.Len(t, res.Order.TimelineEvents, 1)
	}
}
