package enums

import "fmt"

// OrderStatus is the fulfillment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending                   OrderStatus = "pending"
	OrderStatusPaymentConfirmed          OrderStatus = "payment_confirmed"
	OrderStatusAwaitingFunds             OrderStatus = "awaiting_funds"
	OrderStatusScheduled                 OrderStatus = "scheduled"
	OrderStatusProcessing                OrderStatus = "processing"
	OrderStatusShipped                   OrderStatus = "shipped"
	OrderStatusDelivered                 OrderStatus = "delivered"
	OrderStatusPaymentFailed             OrderStatus = "payment_failed"
	OrderStatusPaymentVerificationFailed OrderStatus = "payment_verification_failed"
	OrderStatusCancelled                 OrderStatus = "cancelled"
	OrderStatusReturned                  OrderStatus = "returned"
	OrderStatusFailed                    OrderStatus = "failed"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaymentConfirmed,
	OrderStatusAwaitingFunds,
	OrderStatusScheduled,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusPaymentFailed,
	OrderStatusPaymentVerificationFailed,
	OrderStatusCancelled,
	OrderStatusReturned,
	OrderStatusFailed,
}

// String implements fmt.Stringer.
func (o OrderStatus) String() string {
	return string(o)
}

// IsValid reports whether the value is a known OrderStatus.
func (o OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into a OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
