package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// Draft is everything needed to materialise an order besides its payment
// state. It comes from the staged payment intent record, or from processor
// data when no record exists.
type Draft struct {
	UserID                *uuid.UUID
	CustomerEmail         string
	StripeCustomerID      *string
	AmountCents           int64
	Currency              enums.Currency
	CaptureMethod         enums.CaptureMethod
	Items                 types.CartItems
	Shipping              *types.ShippingAddress
	Gift                  *types.GiftOptions
	ScheduledDeliveryDate *time.Time
	AutoGiftRuleID        *uuid.UUID
	AutoGiftExecutionID   *uuid.UUID
	GroupGiftID           *string
}

// CreatePendingInput stages a checkout: the payment intent record plus the
// pending order keyed by the same intent id.
type CreatePendingInput struct {
	PaymentIntentID string
	Draft           Draft
}

// ConfirmPaymentInput carries processor-verified payment facts. Only webhook
// ingestion, reconciliation and recovery build one.
type ConfirmPaymentInput struct {
	PaymentIntentID   string
	CheckoutSessionID string
	PaymentStatus     enums.PaymentStatus
	StripeCustomerID  string
	Billing           *types.BillingSnapshot
	// Fallback is used only when neither an order nor a staged record exists.
	Fallback *Draft
	Source   string
}

// CancelInput requests administrative cancellation.
type CancelInput struct {
	OrderID uuid.UUID
	Reason  string
	Actor   *outbox.ActorRef
}

// RequeueInput returns a submitted order to the dispatch queue after the
// vendor dropped its request. VendorOrderID must match the order's current
// request so a late notice about an older request changes nothing.
type RequeueInput struct {
	OrderID       uuid.UUID
	VendorOrderID string
	To            enums.OrderStatus
	Reason        string
	Event         types.TimelineEvent
}

// Result reports the order after an operation and whether it changed.
type Result struct {
	Order   *models.Order
	Changed bool
	Created bool
}

// TimelineResult reports a vendor event merge.
type TimelineResult struct {
	Order   *models.Order
	Added   int
	Changed bool
}

// StatusView is the customer-safe projection of an order.
type StatusView struct {
	OrderID       uuid.UUID      `json:"order_id"`
	OrderNumber   string         `json:"order_number"`
	PaymentStatus string         `json:"payment_status"`
	AmountCents   int64          `json:"amount_cents"`
	Currency      enums.Currency `json:"currency"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewStatusView projects an order for its owner.
func NewStatusView(order *models.Order) StatusView {
	return StatusView{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentStatus: PaymentView(order.Status, order.PaymentStatus),
		AmountCents:   order.AmountCents,
		Currency:      order.Currency,
		CreatedAt:     order.CreatedAt,
	}
}

// DraftFromRecord rebuilds the checkout payload staged at intent creation.
func DraftFromRecord(record *models.PaymentIntentRecord) Draft {
	return Draft{
		UserID:                record.UserID,
		CustomerEmail:         record.CustomerEmail,
		StripeCustomerID:      record.StripeCustomerID,
		AmountCents:           record.AmountCents,
		Currency:              record.Currency,
		CaptureMethod:         record.CaptureMethod,
		Items:                 record.CartItems,
		Shipping:              record.ShippingAddress,
		Gift:                  record.GiftOptions,
		ScheduledDeliveryDate: record.ScheduledDeliveryDate,
		AutoGiftRuleID:        record.AutoGiftRuleID,
		AutoGiftExecutionID:   record.AutoGiftExecutionID,
		GroupGiftID:           record.GroupGiftID,
	}
}
