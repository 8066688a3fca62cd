package fulfillment

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

func TestBuildRequestRejectsIncompleteOrders(t *testing.T) {
	base := func() *models.Order {
		return &models.Order{
			ID:          uuid.New(),
			AmountCents: 1000,
			ShippingAddress: &types.ShippingAddress{
				Name: "Grace Hopper", Line1: "2 Navy Way", City: "Arlington",
				State: "VA", PostalCode: "22201", Country: "US",
			},
			Items: []models.OrderLineItem{{Name: "Book", VendorProductID: "B01", Quantity: 2}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*models.Order)
		errMsg string
	}{
		{"no shipping", func(o *models.Order) { o.ShippingAddress = nil }, "shipping address incomplete"},
		{"missing city", func(o *models.Order) { o.ShippingAddress.City = "" }, "city"},
		{"no vendor product", func(o *models.Order) { o.Items[0].VendorProductID = " " }, "vendor product id"},
		{"no items", func(o *models.Order) { o.Items = nil }, "no line items"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := base()
			tc.mutate(order)
			_, err := buildRequest(order, VendorOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	req, err := buildRequest(base(), VendorOptions{Retailer: "amazon"})
	require.NoError(t, err)
	assert.Equal(t, []zinc.Product{{ProductID: "B01", Quantity: 2}}, req.Products)
	assert.Equal(t, "Grace", req.ShippingAddress.FirstName)
	assert.Equal(t, "Hopper", req.ShippingAddress.LastName)
	assert.Nil(t, req.Webhooks)
}

func TestEventsFromResponseIdentities(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	shippedAt := now.Add(-time.Hour)

	res := &zinc.OrderResponse{
		Type:             zinc.TypeOrderResponse,
		MerchantOrderIDs: []zinc.MerchantOrder{{MerchantOrderID: "111", Merchant: "amazon"}},
		Tracking:         []zinc.Tracking{{TrackingNumber: "1Z", Carrier: "UPS", DeliveryStatus: "Delivered"}, {TrackingNumber: ""}},
		StatusUpdates:    []zinc.StatusUpdate{{Type: "shipped", Date: shippedAt}, {Type: "mystery"}},
	}
	events := EventsFromResponse(res, SourcePoll, now)
	require.Len(t, events, 5)

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
		assert.Equal(t, SourcePoll, ev.Source)
	}
	assert.Equal(t, []string{
		"placed:111",
		"tracking:1Z",
		"delivered:1Z",
		"status:shipped:" + itoa(shippedAt.Unix()),
		statusUpdateID(1, zinc.StatusUpdate{Type: "mystery"}),
	}, ids)
	assert.True(t, strings.HasPrefix(ids[4], "status:mystery:n1:"))
	assert.Equal(t, ids[4], EventsFromResponse(res, SourcePoll, now.Add(time.Hour))[4].ID)
	assert.Equal(t, enums.VendorEventShipped, events[3].Type)
	assert.Equal(t, enums.VendorEventUnknown, events[4].Type)

	again := EventsFromResponse(res, SourceCallback, now)
	assert.Equal(t, events[0].ID, again[0].ID)
}

func TestEventsFromResponseProcessingAndFailure(t *testing.T) {
	now := time.Now().UTC()
	assert.Empty(t, EventsFromResponse(&zinc.OrderResponse{Type: zinc.TypeError, Code: zinc.CodeProcessing}, SourcePoll, now))
	assert.Empty(t, EventsFromResponse(nil, SourcePoll, now))

	failed := EventsFromResponse(&zinc.OrderResponse{Type: zinc.TypeError, Code: "product_unavailable", Message: "gone"}, SourceCallback, now)
	require.Len(t, failed, 1)
	assert.Equal(t, "failed:product_unavailable", failed[0].ID)
	assert.Equal(t, enums.VendorEventFailed, failed[0].Type)

	for _, code := range []string{zinc.CodeInsufficientFunds, "internal_error", "zma_temporarily_overloaded"} {
		assert.Emptyf(t, EventsFromResponse(&zinc.OrderResponse{Type: zinc.TypeError, Code: code}, SourceCallback, now), "code %s", code)
	}
}

func TestStatusUpdateIDDependsOnContent(t *testing.T) {
	a := statusUpdateID(0, zinc.StatusUpdate{Type: "processing", Message: "received"})
	assert.Equal(t, a, statusUpdateID(0, zinc.StatusUpdate{Type: "processing", Message: "received"}))
	assert.NotEqual(t, a, statusUpdateID(0, zinc.StatusUpdate{Type: "processing", Message: "packed"}))
	assert.NotEqual(t, a, statusUpdateID(1, zinc.StatusUpdate{Type: "processing", Message: "received"}))
}

func TestCallbackURLCarriesToken(t *testing.T) {
	assert.Equal(t, "", callbackURL(VendorOptions{}))
	assert.Equal(t, "https://x.test/hook?a=1&token=t", callbackURL(VendorOptions{CallbackURL: "https://x.test/hook?a=1", CallbackToken: "t"}))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
