package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/dbtest"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

func newTestService(t *testing.T) (*Service, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)
	svc, err := NewService(ServiceParams{
		Repo:   NewRepository(client.DB()),
		Tx:     client,
		Outbox: emitter,
	})
	require.NoError(t, err)
	return svc, client
}

func completeAddress() *types.ShippingAddress {
	return &types.ShippingAddress{
		Name:       "Ada Lovelace",
		Line1:      "1 Main St",
		City:       "Austin",
		State:      "TX",
		PostalCode: "78701",
		Country:    "US",
	}
}

func sampleDraft() Draft {
	return Draft{
		CustomerEmail: "buyer@example.com",
		AmountCents:   2500,
		Currency:      enums.CurrencyUSD,
		CaptureMethod: enums.CaptureMethodAutomatic,
		Items: types.CartItems{
			{ProductID: "p-1", VendorProductID: "B000123", Name: "Mug", Quantity: 1, UnitPriceCents: 2500},
		},
		Shipping: completeAddress(),
	}
}

func countEvents(t *testing.T, client *db.Client, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	return ts
}

func TestCreatePendingIsIdempotentPerIntent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreatePending(ctx, CreatePendingInput{PaymentIntentID: "pi_1", Draft: sampleDraft()})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, enums.OrderStatusPending, first.Order.Status)
	require.Len(t, first.Order.Items, 1)
	assert.Empty(t, first.Order.Warnings)

	second, err := svc.CreatePending(ctx, CreatePendingInput{PaymentIntentID: "pi_1", Draft: sampleDraft()})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePending(ctx, CreatePendingInput{PaymentIntentID: "pi_2", Draft: sampleDraft()})
	require.NoError(t, err)

	input := ConfirmPaymentInput{
		PaymentIntentID: "pi_2",
		PaymentStatus:   enums.PaymentStatusSucceeded,
		Billing:         &types.BillingSnapshot{Name: "Ada", CardBrand: "visa", CardLast4: "4242"},
		Source:          "webhook",
	}
	first, err := svc.ConfirmPayment(ctx, input)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, enums.OrderStatusPaymentConfirmed, first.Order.Status)
	assert.Equal(t, enums.PaymentStatusSucceeded, first.Order.PaymentStatus)
	require.NotNil(t, first.Order.BillingSnapshot)
	assert.Equal(t, "4242", first.Order.BillingSnapshot.CardLast4)

	second, err := svc.ConfirmPayment(ctx, input)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	assert.Equal(t, int64(1), countEvents(t, client, enums.EventOrderDispatchRequested))

	record, err := svc.Record(ctx, "pi_2")
	require.NoError(t, err)
	assert.NotNil(t, record.ConsumedAt)
}

func TestConfirmPaymentCreatesOrderFromRecordUnderRace(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	record := &models.PaymentIntentRecord{
		PaymentIntentID: "pi_race",
		CustomerEmail:   "buyer@example.com",
		AmountCents:     4000,
		Currency:        enums.CurrencyUSD,
		CaptureMethod:   enums.CaptureMethodAutomatic,
		CartItems:       types.CartItems{{ProductID: "p", Name: "Book", Quantity: 2, UnitPriceCents: 2000}},
		ShippingAddress: completeAddress(),
	}
	require.NoError(t, client.DB().Create(record).Error)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 2)
	errs := make([]error, 2)
	for i, source := range []string{"webhook", "reconciliation"} {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			res, err := svc.ConfirmPayment(ctx, ConfirmPaymentInput{
				PaymentIntentID:   "pi_race",
				CheckoutSessionID: "cs_race",
				PaymentStatus:     enums.PaymentStatusSucceeded,
				Source:            source,
			})
			errs[i] = err
			if err == nil {
				ids[i] = res.Order.ID
			}
		}(i, source)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])

	var orders int64
	require.NoError(t, client.DB().Model(&models.Order{}).Count(&orders).Error)
	assert.Equal(t, int64(1), orders)
	assert.Equal(t, int64(1), countEvents(t, client, enums.EventOrderDispatchRequested))
}

func TestConfirmPaymentFallbackFlagsMissingShipping(t *testing.T) {
	svc, _ := newTestService(t)

	draft := sampleDraft()
	draft.Shipping = &types.ShippingAddress{Name: "Ada", Line1: "1 Main St"}
	res, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		CheckoutSessionID: "cs_fallback",
		PaymentStatus:     enums.PaymentStatusSucceeded,
		Fallback:          &draft,
		Source:            "reconciliation",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Order.Warnings, 1)
	assert.Equal(t, types.WarningMissingShippingFields, res.Order.Warnings[0].Code)
	assert.ElementsMatch(t, []string{"city", "state", "postal_code", "country"}, res.Order.Warnings[0].Fields)
}

func TestConfirmPaymentWithoutAnyDataIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{
		PaymentIntentID: "pi_unknown",
		PaymentStatus:   enums.PaymentStatusSucceeded,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func confirmedOrder(t *testing.T, svc *Service, intentID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreatePending(ctx, CreatePendingInput{PaymentIntentID: intentID, Draft: sampleDraft()})
	require.NoError(t, err)
	res, err := svc.ConfirmPayment(ctx, ConfirmPaymentInput{
		PaymentIntentID: intentID,
		PaymentStatus:   enums.PaymentStatusSucceeded,
		Source:          "webhook",
	})
	require.NoError(t, err)
	return res.Order
}

func TestMarkDispatchedRulesAndIdempotence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pending, err := svc.CreatePending(ctx, CreatePendingInput{PaymentIntentID: "pi_pending", Draft: sampleDraft()})
	require.NoError(t, err)
	_, err = svc.MarkDispatched(ctx, pending.Order.ID, "zinc-1")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())

	order := confirmedOrder(t, svc, "pi_dispatch")
	first, err := svc.MarkDispatched(ctx, order.ID, "zinc-2")
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, enums.OrderStatusProcessing, first.Order.Status)
	assert.Equal(t, enums.FundingStatusFunded, first.Order.FundingStatus)
	assert.True(t, first.Order.HasVendorOrder())

	again, err := svc.MarkDispatched(ctx, order.ID, "zinc-2")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestAppendTimelineEventsDedupesAndMovesForwardOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := confirmedOrder(t, svc, "pi_timeline")
	_, err := svc.MarkDispatched(ctx, order.ID, "zinc-3")
	require.NoError(t, err)

	shipped := types.TimelineEvent{ID: "ev-1", Type: enums.VendorEventShipped, Source: "webhook", TrackingNo: "1Z"}
	res, err := svc.AppendTimelineEvents(ctx, order.ID, []types.TimelineEvent{shipped})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, enums.OrderStatusShipped, res.Order.Status)

	delivered := types.TimelineEvent{ID: "ev-2", Type: enums.VendorEventDelivered, Source: "webhook"}
	res, err = svc.AppendTimelineEvents(ctx, order.ID, []types.TimelineEvent{shipped, delivered})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, enums.OrderStatusDelivered, res.Order.Status)
	assert.NotNil(t, res.Order.DeliveredAt)

	late := types.TimelineEvent{ID: "ev-0", Type: enums.VendorEventShipped, Source: "poll"}
	res, err = svc.AppendTimelineEvents(ctx, order.ID, []types.TimelineEvent{late})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, enums.OrderStatusDelivered, res.Order.Status)
	assert.Len(t, res.Order.TimelineEvents, 3)

	res, err = svc.AppendTimelineEvents(ctx, order.ID, []types.TimelineEvent{late})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Len(t, res.Order.TimelineEvents, 3)
}

func TestRequeueDispatchClearsVendorRequest(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()

	order := confirmedOrder(t, svc, "pi_requeue")
	assert.Equal(t, order.ID.String(), order.SubmissionKey())
	_, err := svc.MarkDispatched(ctx, order.ID, "zr_first")
	require.NoError(t, err)
	before := countEvents(t, client, enums.EventOrderStatusChanged)

	event := types.TimelineEvent{ID: "requeued:zr_first", Type: enums.VendorEventRequeued, Source: "webhook"}
	stale, err := svc.RequeueDispatch(ctx, RequeueInput{
		OrderID: order.ID, VendorOrderID: "zr_other", To: enums.OrderStatusAwaitingFunds, Event: event,
	})
	require.NoError(t, err)
	assert.False(t, stale.Changed)
	assert.Equal(t, enums.OrderStatusProcessing, stale.Order.Status)

	res, err := svc.RequeueDispatch(ctx, RequeueInput{
		OrderID:       order.ID,
		VendorOrderID: "zr_first",
		To:            enums.OrderStatusAwaitingFunds,
		Reason:        "vendor rejected: insufficient balance",
		Event:         event,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, enums.OrderStatusAwaitingFunds, res.Order.Status)
	assert.Equal(t, enums.FundingStatusAwaitingFunds, res.Order.FundingStatus)
	assert.False(t, res.Order.HasVendorOrder())
	assert.Nil(t, res.Order.DispatchedAt)
	assert.Equal(t, 1, res.Order.DispatchAttempts)
	assert.Equal(t, order.ID.String()+"-1", res.Order.SubmissionKey())
	assert.True(t, res.Order.TimelineEvents.Has("requeued:zr_first"))
	assert.Equal(t, before+1, countEvents(t, client, enums.EventOrderStatusChanged))

	again, err := svc.RequeueDispatch(ctx, RequeueInput{
		OrderID: order.ID, VendorOrderID: "zr_first", To: enums.OrderStatusAwaitingFunds, Event: event,
	})
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 1, again.Order.DispatchAttempts)

	redispatched, err := svc.MarkDispatched(ctx, order.ID, "zr_second")
	require.NoError(t, err)
	assert.True(t, redispatched.Changed)
	assert.Equal(t, enums.OrderStatusProcessing, redispatched.Order.Status)
}

func TestRequeueDispatchRejectsInvalidTargets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := confirmedOrder(t, svc, "pi_requeue_bad")

	for _, to := range []enums.OrderStatus{enums.OrderStatusFailed, enums.OrderStatusPending, enums.OrderStatusShipped} {
		_, err := svc.RequeueDispatch(ctx, RequeueInput{OrderID: order.ID, VendorOrderID: "zr_1", To: to})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	}

	_, err := svc.RequeueDispatch(ctx, RequeueInput{OrderID: order.ID, To: enums.OrderStatusPaymentConfirmed})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

type countingHook struct {
	calls int
}

func (h *countingHook) OnOrderCancelled(context.Context, *models.Order) error {
	h.calls++
	return nil
}

func TestCancelRunsHooksAndRejectsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	hook := &countingHook{}
	svc.AddCancelHook(hook)

	order := confirmedOrder(t, svc, "pi_cancel")
	res, err := svc.Cancel(ctx, CancelInput{OrderID: order.ID, Reason: "customer request"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, enums.OrderStatusCancelled, res.Order.Status)
	assert.Equal(t, 1, hook.calls)

	res, err = svc.Cancel(ctx, CancelInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 2, hook.calls)

	shipped := confirmedOrder(t, svc, "pi_shipped")
	_, err = svc.MarkDispatched(ctx, shipped.ID, "zinc-4")
	require.NoError(t, err)
	_, err = svc.AppendTimelineEvents(ctx, shipped.ID, []types.TimelineEvent{{ID: "s", Type: enums.VendorEventShipped}})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, CancelInput{OrderID: shipped.ID})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestUpdateScheduledDate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := confirmedOrder(t, svc, "pi_date")
	date := time.Now().UTC().AddDate(0, 0, 10).Truncate(time.Second)
	updated, err := svc.UpdateScheduledDate(ctx, order.ID, &date)
	require.NoError(t, err)
	require.NotNil(t, updated.ScheduledDeliveryDate)
	assert.True(t, updated.ScheduledDeliveryDate.Equal(date))

	_, err = svc.MarkDispatched(ctx, order.ID, "zinc-5")
	require.NoError(t, err)
	_, err = svc.UpdateScheduledDate(ctx, order.ID, nil)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestPendingDispatchValue(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := confirmedOrder(t, svc, "pi_a")
	confirmedOrder(t, svc, "pi_b")
	_, err := svc.MarkAwaitingFunds(ctx, a.ID, "insufficient vendor balance")
	require.NoError(t, err)

	value, err := svc.PendingDispatchValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), value.Cents)
	assert.Equal(t, int64(2), value.Orders)
	assert.Equal(t, int64(1), value.AwaitingFunds)
}
