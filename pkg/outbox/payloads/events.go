package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// OrderDispatchRequestedEvent is the work item consumed by the fulfillment
// worker. It is queued once per order when payment is confirmed.
type OrderDispatchRequestedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	AmountCents int64     `json:"amount_cents"`
	Trigger     string    `json:"trigger"`
}

// OrderStatusChangedEvent feeds downstream notification systems.
type OrderStatusChangedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	CustomerEmail string              `json:"customer_email,omitempty"`
	From          enums.OrderStatus   `json:"from"`
	To            enums.OrderStatus   `json:"to"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	Reason        string              `json:"reason,omitempty"`
	ChangedAt     time.Time           `json:"changed_at"`
}

// FundingAlertRaisedEvent asks operators to top up the vendor balance.
type FundingAlertRaisedEvent struct {
	AlertID               uuid.UUID              `json:"alert_id"`
	AlertType             enums.FundingAlertType `json:"alert_type"`
	VendorBalanceCents    int64                  `json:"vendor_balance_cents"`
	PendingValueCents     int64                  `json:"pending_value_cents"`
	RecommendedTopUpCents int64                  `json:"recommended_top_up_cents"`
	OrdersWaiting         int                    `json:"orders_waiting"`
}

// AutoGiftOrderCreatedEvent lets the rule owner be notified ahead of delivery.
type AutoGiftOrderCreatedEvent struct {
	ExecutionID    uuid.UUID `json:"execution_id"`
	RuleID         uuid.UUID `json:"rule_id"`
	OrderID        uuid.UUID `json:"order_id"`
	OccurrenceDate string    `json:"occurrence_date"`
	AmountCents    int64     `json:"amount_cents"`
}
