package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// RecoveryLog is an append-only audit row for every recovery attempt.
type RecoveryLog struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID      uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index:ix_order_recovery_logs_order_action"`
	Action       enums.RecoveryAction  `gorm:"column:action;type:text;not null;index:ix_order_recovery_logs_order_action"`
	Trigger      enums.RecoveryTrigger `gorm:"column:trigger;type:text;not null"`
	Outcome      enums.RecoveryOutcome `gorm:"column:outcome;type:text;not null"`
	StatusBefore enums.OrderStatus     `gorm:"column:status_before;type:text;not null"`
	StatusAfter  enums.OrderStatus     `gorm:"column:status_after;type:text;not null"`
	Message      string                `gorm:"column:message"`
	Details      datatypes.JSON        `gorm:"column:details"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (RecoveryLog) TableName() string { return "order_recovery_logs" }

func (l *RecoveryLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
