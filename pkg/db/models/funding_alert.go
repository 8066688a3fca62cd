package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

type FundingAlert struct {
	ID                    uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	AlertType             enums.FundingAlertType `gorm:"column:alert_type;type:text;not null;index:ix_funding_alerts_open"`
	VendorBalanceCents    int64                  `gorm:"column:vendor_balance_cents;not null"`
	PendingValueCents     int64                  `gorm:"column:pending_value_cents;not null"`
	RecommendedTopUpCents int64                  `gorm:"column:recommended_top_up_cents;not null"`
	OrdersWaiting         int                    `gorm:"column:orders_waiting;not null;default:0"`
	Details               datatypes.JSON         `gorm:"column:details"`
	ResolvedAt            *time.Time             `gorm:"column:resolved_at;index:ix_funding_alerts_open"`
	ResolvedBy            *string                `gorm:"column:resolved_by"`
	CreatedAt             time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (a *FundingAlert) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
