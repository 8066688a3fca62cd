package orders

import "github.com/angelmondragon/giftpipe-backend/pkg/enums"

var transitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending: {
		enums.OrderStatusPaymentConfirmed,
		enums.OrderStatusPaymentFailed,
		enums.OrderStatusPaymentVerificationFailed,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusPaymentFailed: {
		enums.OrderStatusPaymentConfirmed,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusPaymentVerificationFailed: {
		enums.OrderStatusPaymentConfirmed,
		enums.OrderStatusPaymentFailed,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusPaymentConfirmed: {
		enums.OrderStatusProcessing,
		enums.OrderStatusAwaitingFunds,
		enums.OrderStatusScheduled,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusAwaitingFunds: {
		enums.OrderStatusProcessing,
		enums.OrderStatusScheduled,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusScheduled: {
		enums.OrderStatusProcessing,
		enums.OrderStatusAwaitingFunds,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusProcessing: {
		enums.OrderStatusShipped,
		enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusShipped: {
		enums.OrderStatusDelivered,
		enums.OrderStatusReturned,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusDelivered: {
		enums.OrderStatusReturned,
	},
}

// CanTransition reports whether from -> to is a legal edge. Staying in the
// same state is not an edge; callers treat it as a no-op.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further fulfillment work happens for status.
func IsTerminal(status enums.OrderStatus) bool {
	switch status {
	case enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
		enums.OrderStatusReturned:
		return true
	default:
		return false
	}
}

// IsPaid reports whether the order's payment has been confirmed by the
// processor and not yet returned.
func IsPaid(status enums.PaymentStatus) bool {
	return status == enums.PaymentStatusAuthorized || status == enums.PaymentStatusSucceeded
}

// dispatchable lists the states from which the dispatcher may submit.
var dispatchable = []enums.OrderStatus{
	enums.OrderStatusPaymentConfirmed,
	enums.OrderStatusAwaitingFunds,
	enums.OrderStatusScheduled,
}

// requeueTargets are the states a submitted order may return to when the
// vendor drops the request without placing it. They are reachable only
// through RequeueDispatch, never through the transition table.
var requeueTargets = []enums.OrderStatus{
	enums.OrderStatusAwaitingFunds,
	enums.OrderStatusPaymentConfirmed,
}

func isRequeueTarget(status enums.OrderStatus) bool {
	for _, s := range requeueTargets {
		if s == status {
			return true
		}
	}
	return false
}

// IsDispatchable reports whether an order in status may be sent to the vendor.
func IsDispatchable(status enums.OrderStatus) bool {
	for _, s := range dispatchable {
		if s == status {
			return true
		}
	}
	return false
}

// PaymentView collapses the internal lifecycle into the three states a
// customer is shown.
func PaymentView(status enums.OrderStatus, payment enums.PaymentStatus) string {
	switch {
	case status == enums.OrderStatusPaymentFailed || payment == enums.PaymentStatusFailed:
		return "failed"
	case IsPaid(payment) || payment == enums.PaymentStatusRefunded:
		return "succeeded"
	default:
		return "pending"
	}
}

// vendorEventTarget maps a vendor milestone to the order status it implies,
// or "" when it only belongs on the timeline.
func vendorEventTarget(ev enums.VendorEventType) enums.OrderStatus {
	switch ev {
	case enums.VendorEventShipped, enums.VendorEventTrackingObtained:
		return enums.OrderStatusShipped
	case enums.VendorEventDelivered:
		return enums.OrderStatusDelivered
	case enums.VendorEventCancelled, enums.VendorEventFailed:
		return enums.OrderStatusFailed
	default:
		return ""
	}
}

// progressRank orders the forward fulfillment states so late or replayed
// events never move an order backwards.
func progressRank(status enums.OrderStatus) int {
	switch status {
	case enums.OrderStatusProcessing:
		return 1
	case enums.OrderStatusShipped:
		return 2
	case enums.OrderStatusDelivered:
		return 3
	default:
		return 0
	}
}
