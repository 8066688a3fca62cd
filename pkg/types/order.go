package types

import (
	"time"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// BillingSnapshot is copied from the processor when a payment is confirmed.
type BillingSnapshot struct {
	Name      string           `json:"name,omitempty"`
	Email     string           `json:"email,omitempty"`
	Phone     string           `json:"phone,omitempty"`
	Address   *ShippingAddress `json:"address,omitempty"`
	CardBrand string           `json:"card_brand,omitempty"`
	CardLast4 string           `json:"card_last4,omitempty"`
}

// GiftOptions carries the presentation choices for a gift.
type GiftOptions struct {
	Message       string `json:"message,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	GiftWrap      bool   `json:"gift_wrap,omitempty"`
	HidePrices    bool   `json:"hide_prices,omitempty"`
}

// CartItem is one purchasable line captured at checkout.
type CartItem struct {
	ProductID       string `json:"product_id"`
	VendorProductID string `json:"vendor_product_id"`
	Name            string `json:"name"`
	Quantity        int    `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
}

// CartItems is serialized as a JSON array.
type CartItems []CartItem

// TotalCents sums quantity times unit price.
func (c CartItems) TotalCents() int64 {
	var total int64
	for _, item := range c {
		total += int64(item.Quantity) * item.UnitPriceCents
	}
	return total
}

// OrderWarning flags a data-integrity gap that did not block order creation.
type OrderWarning struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

const WarningMissingShippingFields = "missing_shipping_fields"

type OrderWarnings []OrderWarning

// TimelineEvent is one fulfillment milestone. ID is the dedupe identity.
type TimelineEvent struct {
	ID         string                `json:"id"`
	Type       enums.VendorEventType `json:"type"`
	Source     string                `json:"source"`
	Message    string                `json:"message,omitempty"`
	Carrier    string                `json:"carrier,omitempty"`
	TrackingNo string                `json:"tracking_number,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
	RecordedAt time.Time             `json:"recorded_at"`
}

type TimelineEvents []TimelineEvent

// Has reports whether an event with the given identity is already present.
func (t TimelineEvents) Has(id string) bool {
	for _, ev := range t {
		if ev.ID == id {
			return true
		}
	}
	return false
}

// Latest returns the most recently recorded event time, zero when empty.
func (t TimelineEvents) Latest() time.Time {
	var latest time.Time
	for _, ev := range t {
		if ev.RecordedAt.After(latest) {
			latest = ev.RecordedAt
		}
	}
	return latest
}

// GiftCandidate is a product an auto-gift rule may purchase.
type GiftCandidate struct {
	ProductID       string `json:"product_id"`
	VendorProductID string `json:"vendor_product_id"`
	Name            string `json:"name"`
	PriceCents      int64  `json:"price_cents"`
}

// GiftCriteria narrows what an auto-gift rule buys.
type GiftCriteria struct {
	Categories []string        `json:"categories,omitempty"`
	Candidates []GiftCandidate `json:"candidates,omitempty"`
}
