package recovery

import (
	"time"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// candidateFilters narrows the order scan per rule. actionFor makes the final
// call on each order returned.
func candidateFilters(now time.Time, cfg config.RecoveryConfig, ignoreAge bool) []orders.ListFilter {
	before := func(sla time.Duration) *time.Time {
		if ignoreAge {
			return nil
		}
		cutoff := now.Add(-sla)
		return &cutoff
	}
	yes, no := true, false
	return []orders.ListFilter{
		{Statuses: []enums.OrderStatus{enums.OrderStatusPending}, ChangedBefore: before(cfg.PendingPaymentSLA), Limit: cfg.BatchSize},
		{Statuses: []enums.OrderStatus{enums.OrderStatusPaymentVerificationFailed}, Limit: cfg.BatchSize},
		{Statuses: []enums.OrderStatus{enums.OrderStatusPaymentConfirmed}, HasVendorOrder: &no, ChangedBefore: before(cfg.DispatchSLA), Limit: cfg.BatchSize},
		{Statuses: []enums.OrderStatus{enums.OrderStatusScheduled}, ScheduledBefore: &now, Limit: cfg.BatchSize},
		{
			Statuses:      []enums.OrderStatus{enums.OrderStatusAwaitingFunds, enums.OrderStatusScheduled},
			CaptureMethod: enums.CaptureMethodManual,
			Limit:         cfg.BatchSize,
		},
		{Statuses: []enums.OrderStatus{enums.OrderStatusProcessing}, HasVendorOrder: &yes, ChangedBefore: before(cfg.VendorSyncSLA), Limit: cfg.BatchSize},
	}
}

// actionFor returns the recovery action an order needs now, or "" when it is
// making progress. ignoreAge drops the SLA waits; the scheduled date and the
// authorization age always apply.
func actionFor(order *models.Order, now time.Time, cfg config.RecoveryConfig, ignoreAge bool) enums.RecoveryAction {
	stale := func(since time.Time, sla time.Duration) bool {
		return ignoreAge || !since.After(now.Add(-sla))
	}

	switch order.Status {
	case enums.OrderStatusPending:
		if order.PaymentIntentID == nil && order.CheckoutSessionID == nil {
			return ""
		}
		if stale(order.StatusChangedAt, cfg.PendingPaymentSLA) {
			return enums.RecoveryActionVerifyPayment
		}

	case enums.OrderStatusPaymentVerificationFailed:
		return enums.RecoveryActionVerifyPayment

	case enums.OrderStatusPaymentConfirmed:
		if !order.HasVendorOrder() && stale(order.StatusChangedAt, cfg.DispatchSLA) {
			return enums.RecoveryActionDispatch
		}

	case enums.OrderStatusScheduled:
		if authorizationExpiring(order, now, cfg) {
			return enums.RecoveryActionCapturePayment
		}
		if order.ScheduledDeliveryDate != nil && !order.ScheduledDeliveryDate.UTC().After(startOfDay(now)) {
			return enums.RecoveryActionDispatch
		}

	case enums.OrderStatusAwaitingFunds:
		if authorizationExpiring(order, now, cfg) {
			return enums.RecoveryActionCapturePayment
		}

	case enums.OrderStatusProcessing:
		if order.HasVendorOrder() && stale(lastVendorActivity(order), cfg.VendorSyncSLA) {
			return enums.RecoveryActionSyncVendor
		}
	}
	return ""
}

// authorizationExpiring reports a held manual-capture authorization old
// enough that the processor may void it before dispatch.
func authorizationExpiring(order *models.Order, now time.Time, cfg config.RecoveryConfig) bool {
	if order.CaptureMethod != enums.CaptureMethodManual || order.PaymentStatus != enums.PaymentStatusAuthorized {
		return false
	}
	since := order.CreatedAt
	if order.AuthorizedAt != nil {
		since = *order.AuthorizedAt
	}
	return !since.After(now.Add(-cfg.AuthorizationAge))
}

func lastVendorActivity(order *models.Order) time.Time {
	last := order.StatusChangedAt
	if order.DispatchedAt != nil && order.DispatchedAt.After(last) {
		last = *order.DispatchedAt
	}
	if latest := order.TimelineEvents.Latest(); latest.After(last) {
		last = latest
	}
	return last
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
