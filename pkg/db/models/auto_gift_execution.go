package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// AutoGiftExecution records one occurrence of a rule. (rule_id,
// occurrence_date) is unique so an occurrence is executed at most once.
type AutoGiftExecution struct {
	ID              uuid.UUID                     `gorm:"column:id;type:uuid;primaryKey"`
	RuleID          uuid.UUID                     `gorm:"column:rule_id;type:uuid;not null;uniqueIndex:ux_auto_gift_executions_occurrence"`
	OccurrenceDate  string                        `gorm:"column:occurrence_date;not null;uniqueIndex:ux_auto_gift_executions_occurrence"`
	Status          enums.AutoGiftExecutionStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	OrderID         *uuid.UUID                    `gorm:"column:order_id;type:uuid;index"`
	PaymentIntentID *string                       `gorm:"column:payment_intent_id"`
	AmountCents     int64                         `gorm:"column:amount_cents;not null;default:0"`
	FailureReason   *string                       `gorm:"column:failure_reason"`
	CreatedAt       time.Time                     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time                     `gorm:"column:updated_at;autoUpdateTime"`
}

func (e *AutoGiftExecution) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
