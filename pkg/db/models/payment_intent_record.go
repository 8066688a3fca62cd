package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// PaymentIntentRecord stages the full checkout payload server-side, keyed by
// the processor intent id. Processor metadata only carries a summary.
type PaymentIntentRecord struct {
	ID                    uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	PaymentIntentID       string                 `gorm:"column:payment_intent_id;not null;uniqueIndex:ux_payment_intent_records_intent"`
	UserID                *uuid.UUID             `gorm:"column:user_id;type:uuid"`
	CustomerEmail         string                 `gorm:"column:customer_email;not null"`
	StripeCustomerID      *string                `gorm:"column:stripe_customer_id"`
	AmountCents           int64                  `gorm:"column:amount_cents;not null"`
	Currency              enums.Currency         `gorm:"column:currency;type:text;not null"`
	CaptureMethod         enums.CaptureMethod    `gorm:"column:capture_method;type:text;not null"`
	CartItems             types.CartItems        `gorm:"column:cart_items;type:jsonb;serializer:json"`
	ShippingAddress       *types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;serializer:json"`
	GiftOptions           *types.GiftOptions     `gorm:"column:gift_options;type:jsonb;serializer:json"`
	ScheduledDeliveryDate *time.Time             `gorm:"column:scheduled_delivery_date"`
	AutoGiftRuleID        *uuid.UUID             `gorm:"column:auto_gift_rule_id;type:uuid"`
	AutoGiftExecutionID   *uuid.UUID             `gorm:"column:auto_gift_execution_id;type:uuid"`
	GroupGiftID           *string                `gorm:"column:group_gift_id"`
	ConsumedAt            *time.Time             `gorm:"column:consumed_at"`
	CreatedAt             time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *PaymentIntentRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
