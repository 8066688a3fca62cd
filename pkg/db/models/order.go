package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// Order is the aggregate root of the fulfillment pipeline. Status, payment
// status and funding status are only written through the orders service.
type Order struct {
	ID                    uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber           string                 `gorm:"column:order_number;not null;uniqueIndex:ux_orders_order_number"`
	UserID                *uuid.UUID             `gorm:"column:user_id;type:uuid;index"`
	CustomerEmail         string                 `gorm:"column:customer_email;not null"`
	StripeCustomerID      *string                `gorm:"column:stripe_customer_id"`
	PaymentIntentID       *string                `gorm:"column:payment_intent_id;uniqueIndex:ux_orders_payment_intent_id"`
	CheckoutSessionID     *string                `gorm:"column:checkout_session_id;uniqueIndex:ux_orders_checkout_session_id"`
	VendorOrderID         *string                `gorm:"column:vendor_order_id;uniqueIndex:ux_orders_vendor_order_id"`
	DispatchAttempts      int                    `gorm:"column:dispatch_attempts;not null;default:0"`
	AmountCents           int64                  `gorm:"column:amount_cents;not null"`
	Currency              enums.Currency         `gorm:"column:currency;type:text;not null;default:'USD'"`
	Status                enums.OrderStatus      `gorm:"column:status;type:text;not null;default:'pending';index"`
	PaymentStatus         enums.PaymentStatus    `gorm:"column:payment_status;type:text;not null;default:'unpaid'"`
	FundingStatus         enums.FundingStatus    `gorm:"column:funding_status;type:text;not null;default:'unfunded'"`
	CaptureMethod         enums.CaptureMethod    `gorm:"column:capture_method;type:text;not null;default:'automatic'"`
	BillingSnapshot       *types.BillingSnapshot `gorm:"column:billing_snapshot;type:jsonb;serializer:json"`
	ShippingAddress       *types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;serializer:json"`
	GiftOptions           *types.GiftOptions     `gorm:"column:gift_options;type:jsonb;serializer:json"`
	Warnings              types.OrderWarnings    `gorm:"column:warnings;type:jsonb;serializer:json"`
	TimelineEvents        types.TimelineEvents   `gorm:"column:timeline_events;type:jsonb;serializer:json"`
	ScheduledDeliveryDate *time.Time             `gorm:"column:scheduled_delivery_date"`
	AutoGiftRuleID        *uuid.UUID             `gorm:"column:auto_gift_rule_id;type:uuid"`
	AutoGiftExecutionID   *uuid.UUID             `gorm:"column:auto_gift_execution_id;type:uuid"`
	GroupGiftID           *string                `gorm:"column:group_gift_id"`
	FailureReason         *string                `gorm:"column:failure_reason"`
	PaymentVerifiedAt     *time.Time             `gorm:"column:payment_verified_at"`
	AuthorizedAt          *time.Time             `gorm:"column:authorized_at"`
	DispatchedAt          *time.Time             `gorm:"column:dispatched_at"`
	ShippedAt             *time.Time             `gorm:"column:shipped_at"`
	DeliveredAt           *time.Time             `gorm:"column:delivered_at"`
	CancelledAt           *time.Time             `gorm:"column:cancelled_at"`
	RefundedAt            *time.Time             `gorm:"column:refunded_at"`
	StatusChangedAt       time.Time              `gorm:"column:status_changed_at;not null"`
	Version               int                    `gorm:"column:version;not null;default:1"`
	Items                 []OrderLineItem        `gorm:"foreignKey:OrderID;references:ID"`
	CreatedAt             time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.StatusChangedAt.IsZero() {
		o.StatusChangedAt = time.Now().UTC()
	}
	return nil
}

// HasVendorOrder reports whether the order was already submitted to the vendor.
func (o *Order) HasVendorOrder() bool {
	return o.VendorOrderID != nil && *o.VendorOrderID != ""
}

// SubmissionKey is the vendor idempotency key for the current submission
// attempt. A requeued order gets a fresh key so the vendor accepts it again.
func (o *Order) SubmissionKey() string {
	if o.DispatchAttempts == 0 {
		return o.ID.String()
	}
	return fmt.Sprintf("%s-%d", o.ID, o.DispatchAttempts)
}
