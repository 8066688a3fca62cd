package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to enums.OrderStatus
		want     bool
	}{
		{enums.OrderStatusPending, enums.OrderStatusPaymentConfirmed, true},
		{enums.OrderStatusPending, enums.OrderStatusProcessing, false},
		{enums.OrderStatusPaymentConfirmed, enums.OrderStatusProcessing, true},
		{enums.OrderStatusPaymentConfirmed, enums.OrderStatusAwaitingFunds, true},
		{enums.OrderStatusAwaitingFunds, enums.OrderStatusProcessing, true},
		{enums.OrderStatusProcessing, enums.OrderStatusDelivered, true},
		{enums.OrderStatusShipped, enums.OrderStatusProcessing, false},
		{enums.OrderStatusProcessing, enums.OrderStatusPaymentConfirmed, false},
		{enums.OrderStatusShipped, enums.OrderStatusCancelled, false},
		{enums.OrderStatusDelivered, enums.OrderStatusShipped, false},
		{enums.OrderStatusCancelled, enums.OrderStatusPaymentConfirmed, false},
		{enums.OrderStatusPaymentFailed, enums.OrderStatusPaymentConfirmed, true},
		{enums.OrderStatusPending, enums.OrderStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoForwardFulfillment(t *testing.T) {
	for _, status := range []enums.OrderStatus{enums.OrderStatusCancelled, enums.OrderStatusFailed} {
		assert.True(t, IsTerminal(status))
		assert.Empty(t, transitions[status])
	}
	assert.True(t, IsTerminal(enums.OrderStatusDelivered))
	assert.False(t, IsTerminal(enums.OrderStatusAwaitingFunds))
}

func TestPaymentView(t *testing.T) {
	assert.Equal(t, "pending", PaymentView(enums.OrderStatusPending, enums.PaymentStatusUnpaid))
	assert.Equal(t, "pending", PaymentView(enums.OrderStatusPaymentVerificationFailed, enums.PaymentStatusUnpaid))
	assert.Equal(t, "succeeded", PaymentView(enums.OrderStatusAwaitingFunds, enums.PaymentStatusAuthorized))
	assert.Equal(t, "succeeded", PaymentView(enums.OrderStatusShipped, enums.PaymentStatusSucceeded))
	assert.Equal(t, "failed", PaymentView(enums.OrderStatusPaymentFailed, enums.PaymentStatusFailed))
}

func TestNewOrderNumberFormat(t *testing.T) {
	num := newOrderNumber(mustTime(t, "2026-03-04T10:00:00Z"))
	assert.Regexp(t, `^GP-260304-[0-9A-F]{6}$`, num)
}
