package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// AutoGiftRule is owned by its user; the pipeline only reads it.
type AutoGiftRule struct {
	ID               uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	UserID           uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index"`
	CustomerEmail    string                 `gorm:"column:customer_email;not null"`
	RecipientName    string                 `gorm:"column:recipient_name;not null"`
	ShippingAddress  *types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;serializer:json"`
	DateType         enums.AutoGiftDateType `gorm:"column:date_type;type:text;not null"`
	EventDate        time.Time              `gorm:"column:event_date;not null"`
	LeadDays         int                    `gorm:"column:lead_days;not null;default:7"`
	BudgetCents      int64                  `gorm:"column:budget_cents;not null"`
	Currency         enums.Currency         `gorm:"column:currency;type:text;not null;default:'USD'"`
	Criteria         types.GiftCriteria     `gorm:"column:criteria;type:jsonb;serializer:json"`
	GiftMessage      string                 `gorm:"column:gift_message"`
	Active           bool                   `gorm:"column:active;not null;default:true"`
	NotifyBeforeDays int                    `gorm:"column:notify_before_days;not null;default:3"`
	NotifyEmail      bool                   `gorm:"column:notify_email;not null;default:true"`
	StripeCustomerID string                 `gorm:"column:stripe_customer_id;not null"`
	PaymentMethodID  string                 `gorm:"column:payment_method_id;not null"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *AutoGiftRule) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
