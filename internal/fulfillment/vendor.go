package fulfillment

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
)

// Vendor is the subset of the Zinc client the dispatcher drives.
type Vendor interface {
	PlaceOrder(ctx context.Context, req zinc.PlaceOrderRequest) (*zinc.PlaceOrderResponse, error)
	GetOrder(ctx context.Context, requestID string) (*zinc.OrderResponse, error)
}

// VendorOptions are the account-level settings sent with every submission.
type VendorOptions struct {
	Retailer       string
	ShippingMethod string
	CallbackURL    string
	CallbackToken  string
}

// buildRequest maps an order onto a vendor submission. The idempotency key is
// derived from the order id and its attempt count, so a retried submission
// never buys twice.
func buildRequest(order *models.Order, opts VendorOptions) (zinc.PlaceOrderRequest, error) {
	if missing := order.ShippingAddress.MissingFields(); len(missing) > 0 {
		return zinc.PlaceOrderRequest{}, fmt.Errorf("shipping address incomplete: %s", strings.Join(missing, ", "))
	}
	products := make([]zinc.Product, 0, len(order.Items))
	for _, item := range order.Items {
		if strings.TrimSpace(item.VendorProductID) == "" {
			return zinc.PlaceOrderRequest{}, fmt.Errorf("line item %q has no vendor product id", item.Name)
		}
		products = append(products, zinc.Product{ProductID: item.VendorProductID, Quantity: item.Quantity})
	}
	if len(products) == 0 {
		return zinc.PlaceOrderRequest{}, fmt.Errorf("order has no line items")
	}

	addr := order.ShippingAddress
	first, last := addr.SplitName()
	req := zinc.PlaceOrderRequest{
		IdempotencyKey: order.SubmissionKey(),
		Retailer:       opts.Retailer,
		Products:       products,
		MaxPrice:       order.AmountCents,
		ShippingAddress: zinc.Address{
			FirstName:    first,
			LastName:     last,
			AddressLine1: addr.Line1,
			AddressLine2: addr.Line2,
			ZipCode:      addr.PostalCode,
			City:         addr.City,
			State:        addr.State,
			Country:      addr.Country,
			PhoneNumber:  addr.Phone,
		},
		ShippingMethod: opts.ShippingMethod,
		Addax:          true,
		IsGift:         true,
		ClientNotes: map[string]string{
			"order_id":     order.ID.String(),
			"order_number": order.OrderNumber,
		},
	}
	if order.GiftOptions != nil {
		req.GiftMessage = order.GiftOptions.Message
	}
	if cb := callbackURL(opts); cb != "" {
		req.Webhooks = &zinc.Webhooks{
			RequestSucceeded: cb,
			RequestFailed:    cb,
			TrackingObtained: cb,
			StatusUpdated:    cb,
		}
	}
	return req, nil
}

// callbackURL appends the shared token; vendor callbacks cannot carry headers.
func callbackURL(opts VendorOptions) string {
	if opts.CallbackURL == "" {
		return ""
	}
	u, err := url.Parse(opts.CallbackURL)
	if err != nil {
		return ""
	}
	if opts.CallbackToken != "" {
		q := u.Query()
		q.Set("token", opts.CallbackToken)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// EventsFromResponse turns a vendor order snapshot into timeline events with
// stable identities, so the same snapshot ingested twice adds nothing.
// Requeue-class errors produce no events; the dispatcher handles them.
func EventsFromResponse(res *zinc.OrderResponse, source string, now time.Time) []types.TimelineEvent {
	if res == nil || res.IsProcessing() || res.IsRequeue() {
		return nil
	}
	var events []types.TimelineEvent
	if res.IsFailure() {
		return append(events, types.TimelineEvent{
			ID:         "failed:" + res.Code,
			Type:       enums.VendorEventFailed,
			Source:     source,
			Message:    res.Message,
			OccurredAt: now,
		})
	}

	for _, mo := range res.MerchantOrderIDs {
		events = append(events, types.TimelineEvent{
			ID:         "placed:" + mo.MerchantOrderID,
			Type:       enums.VendorEventPlaced,
			Source:     source,
			Message:    "placed with " + mo.Merchant,
			OccurredAt: orNow(mo.PlacedAt, now),
		})
	}
	for _, tr := range res.Tracking {
		if tr.TrackingNumber == "" {
			continue
		}
		events = append(events, types.TimelineEvent{
			ID:         "tracking:" + tr.TrackingNumber,
			Type:       enums.VendorEventTrackingObtained,
			Source:     source,
			Carrier:    tr.Carrier,
			TrackingNo: tr.TrackingNumber,
			OccurredAt: orNow(tr.ObtainedAt, now),
		})
		if strings.EqualFold(tr.DeliveryStatus, "delivered") {
			events = append(events, types.TimelineEvent{
				ID:         "delivered:" + tr.TrackingNumber,
				Type:       enums.VendorEventDelivered,
				Source:     source,
				Carrier:    tr.Carrier,
				TrackingNo: tr.TrackingNumber,
				OccurredAt: now,
			})
		}
	}
	for i, su := range res.StatusUpdates {
		events = append(events, types.TimelineEvent{
			ID:         statusUpdateID(i, su),
			Type:       statusUpdateType(su.Type),
			Source:     source,
			Message:    su.Message,
			OccurredAt: orNow(su.Date, now),
		})
	}
	return events
}

// statusUpdateID identifies an update by its own content. Undated updates
// fall back to their position in the snapshot, which the vendor only appends to.
func statusUpdateID(index int, su zinc.StatusUpdate) string {
	if !su.Date.IsZero() {
		return fmt.Sprintf("status:%s:%d", su.Type, su.Date.Unix())
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(su.Message))
	return fmt.Sprintf("status:%s:n%d:%08x", su.Type, index, h.Sum32())
}

func statusUpdateType(raw string) enums.VendorEventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "shipped", "in_transit":
		return enums.VendorEventShipped
	case "delivered":
		return enums.VendorEventDelivered
	case "cancelled", "canceled":
		return enums.VendorEventCancelled
	case "processing":
		return enums.VendorEventProcessing
	}
	return enums.VendorEventUnknown
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
