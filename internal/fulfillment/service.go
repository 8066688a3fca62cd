package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

const (
	dispatchLockScope = "dispatch"
	dispatchLockTTL   = 2 * time.Minute
)

// Outcome is what a dispatch attempt did with the order.
type Outcome string

const (
	OutcomeSubmitted        Outcome = "submitted"
	OutcomeAlreadySubmitted Outcome = "already_submitted"
	OutcomeAwaitingFunds    Outcome = "awaiting_funds"
	OutcomeScheduled        Outcome = "scheduled"
	OutcomeNotEligible      Outcome = "not_eligible"
	OutcomeRejected         Outcome = "rejected"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeRequeued         Outcome = "requeued"
)

type DispatchResult struct {
	OrderID       uuid.UUID         `json:"order_id"`
	Outcome       Outcome           `json:"outcome"`
	Status        enums.OrderStatus `json:"status"`
	VendorOrderID string            `json:"vendor_order_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

type orderLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByVendorOrder(ctx context.Context, vendorOrderID string) (*models.Order, error)
	MarkDispatched(ctx context.Context, orderID uuid.UUID, vendorOrderID string) (*orders.Result, error)
	MarkAwaitingFunds(ctx context.Context, orderID uuid.UUID, reason string) (*orders.Result, error)
	MarkScheduled(ctx context.Context, orderID uuid.UUID) (*orders.Result, error)
	MarkFailed(ctx context.Context, orderID uuid.UUID, reason string, actor *outbox.ActorRef) (*orders.Result, error)
	RequeueDispatch(ctx context.Context, input orders.RequeueInput) (*orders.Result, error)
	AppendTimelineEvents(ctx context.Context, orderID uuid.UUID, events []types.TimelineEvent) (*orders.TimelineResult, error)
}

// FundingGate answers whether the vendor balance can cover an order.
type FundingGate interface {
	HasCapacity(ctx context.Context, amountCents int64) (bool, error)
}

type paymentSettler interface {
	CapturePayment(ctx context.Context, intentID string) (*payments.Verification, error)
	ReleaseOrRefund(ctx context.Context, intentID string) (payments.ReleaseAction, error)
}

type lockClient interface {
	redis.LockStore
	LockKey(scope, id string) string
}

type ServiceParams struct {
	Orders   orderLedger
	Vendor   Vendor
	Gate     FundingGate
	Payments paymentSettler
	Locks    lockClient
	Options  VendorOptions
	Logger   *logger.Logger
	Metrics  *metrics.PipelineMetrics
	Clock    func() time.Time
}

// Service submits paid orders to the vendor and folds vendor progress back
// into the ledger.
type Service struct {
	orders   orderLedger
	vendor   Vendor
	gate     FundingGate
	payments paymentSettler
	locks    lockClient
	opts     VendorOptions
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	if params.Vendor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "vendor client required")
	}
	if params.Gate == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "funding gate required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	}
	if params.Locks == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "lock client required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		orders:   params.Orders,
		vendor:   params.Vendor,
		gate:     params.Gate,
		payments: params.Payments,
		locks:    params.Locks,
		opts:     params.Options,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      clock,
	}, nil
}

// Dispatch submits one order to the vendor if it is due, funded and not yet
// submitted. Transient failures return an error and leave the order as it was.
func (s *Service) Dispatch(ctx context.Context, orderID uuid.UUID, trigger string) (*DispatchResult, error) {
	if s.logg != nil {
		ctx = s.logg.WithOrderID(ctx, orderID.String())
		ctx = s.logg.WithField(ctx, "trigger", trigger)
	}

	lock, err := redis.NewLock(s.locks, s.locks.LockKey(dispatchLockScope, orderID.String()), dispatchLockTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build dispatch lock")
	}
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire dispatch lock")
	}
	if !acquired {
		return s.finish(&DispatchResult{OrderID: orderID, Outcome: OutcomeInProgress}), nil
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && s.logg != nil {
			s.logg.Error(ctx, "release dispatch lock", releaseErr)
		}
	}()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result := &DispatchResult{OrderID: order.ID, Status: order.Status}

	if order.HasVendorOrder() {
		result.Outcome = OutcomeAlreadySubmitted
		result.VendorOrderID = *order.VendorOrderID
		return s.finish(result), nil
	}
	if !orders.IsDispatchable(order.Status) {
		if err := s.releaseFailed(ctx, order); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeNotEligible
		result.Reason = "order status " + string(order.Status)
		return s.finish(result), nil
	}

	if s.notYetDue(order) {
		res, err := s.orders.MarkScheduled(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomeScheduled
		result.Status = res.Order.Status
		return s.finish(result), nil
	}

	req, err := buildRequest(order, s.opts)
	if err != nil {
		result.Outcome = OutcomeNotEligible
		result.Reason = err.Error()
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "reason", result.Reason), "order cannot be submitted to vendor")
		}
		return s.finish(result), nil
	}

	ok, err := s.gate.HasCapacity(ctx, order.AmountCents)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check vendor balance")
	}
	if !ok {
		return s.park(ctx, order, "vendor balance below order value")
	}

	if order.CaptureMethod == enums.CaptureMethodManual && order.PaymentStatus == enums.PaymentStatusAuthorized {
		if order.PaymentIntentID == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "authorized order has no payment intent")
		}
		if _, err := s.payments.CapturePayment(ctx, *order.PaymentIntentID); err != nil {
			return nil, err
		}
	}

	placed, err := s.vendor.PlaceOrder(ctx, req)
	if err != nil {
		switch {
		case zinc.IsInsufficientFunds(err):
			return s.park(ctx, order, "vendor rejected: insufficient balance")
		case zinc.IsRetryable(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "submit order to vendor")
		}
		reason := fmt.Sprintf("vendor rejected order: %v", err)
		res, markErr := s.orders.MarkFailed(ctx, order.ID, reason, &outbox.ActorRef{Kind: "fulfillment"})
		if markErr != nil {
			return nil, markErr
		}
		if err := s.releaseFailed(ctx, res.Order); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeRejected
		result.Status = res.Order.Status
		result.Reason = reason
		return s.finish(result), nil
	}

	res, err := s.orders.MarkDispatched(ctx, order.ID, placed.RequestID)
	if err != nil {
		return nil, err
	}
	result.Outcome = OutcomeSubmitted
	result.Status = res.Order.Status
	result.VendorOrderID = placed.RequestID
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "vendor_order_id", placed.RequestID), "order submitted to vendor")
	}
	return s.finish(result), nil
}

func (s *Service) park(ctx context.Context, order *models.Order, reason string) (*DispatchResult, error) {
	res, err := s.orders.MarkAwaitingFunds(ctx, order.ID, reason)
	if err != nil {
		return nil, err
	}
	return s.finish(&DispatchResult{
		OrderID: order.ID,
		Outcome: OutcomeAwaitingFunds,
		Status:  res.Order.Status,
		Reason:  reason,
	}), nil
}

// releaseFailed voids or refunds the payment of an order the vendor will not
// fulfil. Redelivered dispatch work retries it until the payment is settled.
func (s *Service) releaseFailed(ctx context.Context, order *models.Order) error {
	if order == nil || order.Status != enums.OrderStatusFailed || order.PaymentIntentID == nil || !orders.IsPaid(order.PaymentStatus) {
		return nil
	}
	action, err := s.payments.ReleaseOrRefund(ctx, *order.PaymentIntentID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release payment of failed order")
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "action", action), "payment released for failed order")
	}
	return nil
}

func (s *Service) finish(result *DispatchResult) *DispatchResult {
	s.metrics.IncDispatch(string(result.Outcome))
	return result
}

func (s *Service) notYetDue(order *models.Order) bool {
	if order.ScheduledDeliveryDate == nil {
		return false
	}
	y, m, d := s.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return order.ScheduledDeliveryDate.UTC().After(today)
}

// IngestVendorEvents applies vendor milestones to the order that owns the
// vendor request.
func (s *Service) IngestVendorEvents(ctx context.Context, vendorOrderID string, events []types.TimelineEvent) (*orders.TimelineResult, error) {
	order, err := s.orders.GetByVendorOrder(ctx, vendorOrderID)
	if err != nil {
		return nil, err
	}
	return s.applyEvents(ctx, order, events)
}

// HandleCallback ingests a vendor push notification.
func (s *Service) HandleCallback(ctx context.Context, res *zinc.OrderResponse) (*orders.TimelineResult, error) {
	if res == nil || res.RequestID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor request id required")
	}
	order, err := s.orders.GetByVendorOrder(ctx, res.RequestID)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, order, res, SourceCallback)
}

// SyncOrder polls the vendor for an order's state and ingests it.
func (s *Service) SyncOrder(ctx context.Context, orderID uuid.UUID) (*orders.TimelineResult, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.HasVendorOrder() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order has not been submitted to the vendor")
	}
	res, err := s.vendor.GetOrder(ctx, *order.VendorOrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch vendor order")
	}
	if res.RequestID == "" {
		res.RequestID = *order.VendorOrderID
	}
	return s.ingest(ctx, order, res, SourcePoll)
}

// ingest folds one vendor snapshot into the order. A dropped request sends
// the order back to dispatch: to awaiting_funds when the managed account could
// not pay, to payment_confirmed for vendor-side transient errors.
func (s *Service) ingest(ctx context.Context, order *models.Order, res *zinc.OrderResponse, source string) (*orders.TimelineResult, error) {
	if !res.IsRequeue() {
		return s.applyEvents(ctx, order, EventsFromResponse(res, source, s.now()))
	}

	to := enums.OrderStatusPaymentConfirmed
	reason := "vendor dropped request: " + res.Code
	if res.Class() == zinc.ErrorFunding {
		to = enums.OrderStatusAwaitingFunds
		reason = "vendor rejected: insufficient balance"
	}
	requeued, err := s.orders.RequeueDispatch(ctx, orders.RequeueInput{
		OrderID:       order.ID,
		VendorOrderID: res.RequestID,
		To:            to,
		Reason:        reason,
		Event: types.TimelineEvent{
			ID:         "requeued:" + res.RequestID,
			Type:       enums.VendorEventRequeued,
			Source:     source,
			Message:    strings.TrimSpace(res.Code + " " + res.Message),
			OccurredAt: s.now(),
		},
	})
	if err != nil {
		return nil, err
	}
	if requeued.Changed {
		s.metrics.IncDispatch(string(OutcomeRequeued))
	}
	return &orders.TimelineResult{Order: requeued.Order, Changed: requeued.Changed}, nil
}

func (s *Service) applyEvents(ctx context.Context, order *models.Order, events []types.TimelineEvent) (*orders.TimelineResult, error) {
	if len(events) == 0 {
		return &orders.TimelineResult{Order: order}, nil
	}
	result, err := s.orders.AppendTimelineEvents(ctx, order.ID, events)
	if err != nil {
		return nil, err
	}
	if err := s.releaseFailed(ctx, result.Order); err != nil {
		return nil, err
	}
	return result, nil
}
