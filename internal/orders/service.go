package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

const (
	createSavepoint    = "orders_create"
	maxMergeAttempts   = 5
	missingShippingMsg = "shipping address is incomplete; order created for manual follow-up"
)

var errVersionConflict = errors.New("order version changed")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// CancelHook runs after an order reaches cancelled. Hooks must be idempotent:
// cancelling an already cancelled order runs them again.
type CancelHook interface {
	OnOrderCancelled(ctx context.Context, order *models.Order) error
}

type ServiceParams struct {
	Repo   Repository
	Tx     txRunner
	Outbox outbox.Emitter
	Logger *logger.Logger
	Clock  func() time.Time
}

// Service owns every write to orders. Status changes are compare-and-set
// updates; a lost race re-reads and reports the winner's state.
type Service struct {
	repo   Repository
	tx     txRunner
	outbox outbox.Emitter
	logg   *logger.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hooks []CancelHook
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:   params.Repo,
		tx:     params.Tx,
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    clock,
	}, nil
}

// AddCancelHook registers a post-cancellation side effect.
func (s *Service) AddCancelHook(hook CancelHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, id)
	return order, mapFindError(err)
}

func (s *Service) GetByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error) {
	order, err := s.repo.FindByPaymentIntent(ctx, intentID)
	return order, mapFindError(err)
}

func (s *Service) GetByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	order, err := s.repo.FindByCheckoutSession(ctx, sessionID)
	return order, mapFindError(err)
}

func (s *Service) GetByVendorOrder(ctx context.Context, vendorOrderID string) (*models.Order, error) {
	order, err := s.repo.FindByVendorOrder(ctx, vendorOrderID)
	return order, mapFindError(err)
}

func (s *Service) Record(ctx context.Context, intentID string) (*models.PaymentIntentRecord, error) {
	record, err := s.repo.FindRecord(ctx, intentID)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent record not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent record")
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Order, error) {
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return out, nil
}

func (s *Service) PendingDispatchValue(ctx context.Context) (PendingValue, error) {
	value, err := s.repo.PendingDispatchValue(ctx)
	if err != nil {
		return PendingValue{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum pending orders")
	}
	return value, nil
}

func (s *Service) CountByStatus(ctx context.Context) (map[enums.OrderStatus]int64, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count orders")
	}
	return counts, nil
}

// PurgeConsumedRecords deletes staged records whose order was confirmed
// before cutoff.
func (s *Service) PurgeConsumedRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteConsumedRecordsBefore(ctx, cutoff)
}

// CreatePending stages the checkout payload and creates the pending order in
// one transaction. Repeating the call for the same intent returns the
// existing order.
func (s *Service) CreatePending(ctx context.Context, input CreatePendingInput) (*Result, error) {
	intentID := strings.TrimSpace(input.PaymentIntentID)
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	if input.Draft.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if existing, err := repo.FindByPaymentIntent(ctx, intentID); err == nil {
			result.Order = existing
			return nil
		} else if !isNotFound(err) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}

		draft := input.Draft
		record := &models.PaymentIntentRecord{
			PaymentIntentID:       intentID,
			UserID:                draft.UserID,
			CustomerEmail:         draft.CustomerEmail,
			StripeCustomerID:      draft.StripeCustomerID,
			AmountCents:           draft.AmountCents,
			Currency:              draft.Currency,
			CaptureMethod:         draft.CaptureMethod,
			CartItems:             draft.Items,
			ShippingAddress:       draft.Shipping,
			GiftOptions:           draft.Gift,
			ScheduledDeliveryDate: draft.ScheduledDeliveryDate,
			AutoGiftRuleID:        draft.AutoGiftRuleID,
			AutoGiftExecutionID:   draft.AutoGiftExecutionID,
			GroupGiftID:           draft.GroupGiftID,
		}
		if err := repo.CreateRecord(ctx, record); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stage payment intent record")
		}

		order := s.buildOrder(draft)
		order.PaymentIntentID = &intentID
		created, existing, err := s.insertOrder(ctx, tx, repo, order, intentID, "")
		if err != nil {
			return err
		}
		result.Order = existing
		result.Created = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfirmPayment moves an order to payment_confirmed from processor-verified
// data, creating it from the staged record when it does not exist yet. It
// queues exactly one dispatch work item per order.
func (s *Service) ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*Result, error) {
	intentID := strings.TrimSpace(input.PaymentIntentID)
	sessionID := strings.TrimSpace(input.CheckoutSessionID)
	if intentID == "" && sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent or checkout session id required")
	}
	if !IsPaid(input.PaymentStatus) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment status must be authorized or succeeded")
	}

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, created, err := s.findOrCreateForPayment(ctx, tx, repo, input, intentID, sessionID)
		if err != nil {
			return err
		}
		result.Order = order
		result.Created = created

		if order.Status == enums.OrderStatusPaymentConfirmed || !CanTransition(order.Status, enums.OrderStatusPaymentConfirmed) {
			return nil
		}

		now := s.now()
		from := order.Status
		updates := map[string]any{
			"status":              enums.OrderStatusPaymentConfirmed,
			"payment_status":      input.PaymentStatus,
			"payment_verified_at": now,
			"status_changed_at":   now,
			"failure_reason":      nil,
		}
		if input.PaymentStatus == enums.PaymentStatusAuthorized {
			updates["authorized_at"] = now
		}
		if input.Billing != nil {
			snapshot, err := jsonColumn(input.Billing)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode billing snapshot")
			}
			updates["billing_snapshot"] = snapshot
		}
		if order.PaymentIntentID == nil && intentID != "" {
			updates["payment_intent_id"] = intentID
		}
		if order.CheckoutSessionID == nil && sessionID != "" {
			updates["checkout_session_id"] = sessionID
		}
		if order.StripeCustomerID == nil && input.StripeCustomerID != "" {
			updates["stripe_customer_id"] = input.StripeCustomerID
		}

		ok, err := repo.CompareAndSetStatus(ctx, order.ID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "confirm payment")
		}
		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		result.Order = current
		if !ok {
			return nil
		}
		result.Changed = true

		if current.PaymentIntentID != nil {
			if err := repo.MarkRecordConsumed(ctx, *current.PaymentIntentID, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "consume payment intent record")
			}
		}

		actor := &outbox.ActorRef{Kind: input.Source}
		if err := s.emitStatusChanged(ctx, tx, from, current, "payment confirmed", actor); err != nil {
			return err
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderDispatchRequested,
			AggregateType: enums.AggregateOrder,
			AggregateID:   current.ID,
			Actor:         actor,
			Data: payloads.OrderDispatchRequestedEvent{
				OrderID:     current.ID,
				OrderNumber: current.OrderNumber,
				AmountCents: current.AmountCents,
				Trigger:     input.Source,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if result.Changed && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.Order.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{"source": input.Source, "created": result.Created})
		s.logg.Info(logCtx, "payment confirmed")
	}
	return &result, nil
}

func (s *Service) findOrCreateForPayment(ctx context.Context, tx *gorm.DB, repo Repository, input ConfirmPaymentInput, intentID, sessionID string) (*models.Order, bool, error) {
	if order, err := findExisting(ctx, repo, intentID, sessionID); err != nil || order != nil {
		return order, false, err
	}

	var draft Draft
	record, err := recordFor(ctx, repo, intentID)
	switch {
	case err != nil:
		return nil, false, err
	case record != nil:
		draft = DraftFromRecord(record)
	case input.Fallback != nil:
		draft = *input.Fallback
	default:
		return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "no staged checkout data for payment")
	}

	order := s.buildOrder(draft)
	if intentID != "" {
		order.PaymentIntentID = &intentID
	}
	if sessionID != "" {
		order.CheckoutSessionID = &sessionID
	}
	created, current, err := s.insertOrder(ctx, tx, repo, order, intentID, sessionID)
	return current, created, err
}

// insertOrder creates the order or, when a concurrent writer won the unique
// index, returns the winner.
func (s *Service) insertOrder(ctx context.Context, tx *gorm.DB, repo Repository, order *models.Order, intentID, sessionID string) (bool, *models.Order, error) {
	if err := tx.SavePoint(createSavepoint).Error; err != nil {
		return false, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "savepoint")
	}
	if err := repo.Create(ctx, order); err != nil {
		if !dbpkg.IsUniqueViolation(err, "") {
			return false, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		if err := tx.RollbackTo(createSavepoint).Error; err != nil {
			return false, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rollback to savepoint")
		}
		winner, err := findExisting(ctx, repo, intentID, sessionID)
		if err != nil {
			return false, nil, err
		}
		if winner == nil {
			return false, nil, pkgerrors.New(pkgerrors.CodeConflict, "order creation conflicted")
		}
		return false, winner, nil
	}
	created, err := repo.FindByID(ctx, order.ID)
	if err != nil {
		return false, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return true, created, nil
}

func (s *Service) buildOrder(draft Draft) *models.Order {
	now := s.now()
	currency := draft.Currency
	if currency == "" {
		currency = enums.CurrencyUSD
	}
	capture := draft.CaptureMethod
	if capture == "" {
		capture = enums.CaptureMethodAutomatic
	}
	order := &models.Order{
		OrderNumber:           newOrderNumber(now),
		UserID:                draft.UserID,
		CustomerEmail:         draft.CustomerEmail,
		StripeCustomerID:      draft.StripeCustomerID,
		AmountCents:           draft.AmountCents,
		Currency:              currency,
		Status:                enums.OrderStatusPending,
		PaymentStatus:         enums.PaymentStatusUnpaid,
		FundingStatus:         enums.FundingStatusUnfunded,
		CaptureMethod:         capture,
		ShippingAddress:       draft.Shipping,
		GiftOptions:           draft.Gift,
		ScheduledDeliveryDate: draft.ScheduledDeliveryDate,
		AutoGiftRuleID:        draft.AutoGiftRuleID,
		AutoGiftExecutionID:   draft.AutoGiftExecutionID,
		GroupGiftID:           draft.GroupGiftID,
		StatusChangedAt:       now,
		Version:               1,
	}
	if order.AmountCents <= 0 {
		order.AmountCents = draft.Items.TotalCents()
	}
	if missing := draft.Shipping.MissingFields(); len(missing) > 0 {
		order.Warnings = append(order.Warnings, types.OrderWarning{
			Code:    types.WarningMissingShippingFields,
			Message: missingShippingMsg,
			Fields:  missing,
		})
	}
	for i, item := range draft.Items {
		order.Items = append(order.Items, models.OrderLineItem{
			ProductID:       item.ProductID,
			VendorProductID: item.VendorProductID,
			Name:            item.Name,
			Quantity:        item.Quantity,
			UnitPriceCents:  item.UnitPriceCents,
			Position:        i,
		})
	}
	return order
}

func (s *Service) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) (*Result, error) {
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusPaymentFailed,
		Updates: map[string]any{
			"payment_status": enums.PaymentStatusFailed,
			"failure_reason": nullableString(reason),
		},
		Reason: reason,
		Actor:  &outbox.ActorRef{Kind: "payments"},
	})
}

func (s *Service) MarkVerificationFailed(ctx context.Context, orderID uuid.UUID, reason string) (*Result, error) {
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusPaymentVerificationFailed,
		Updates: map[string]any{"failure_reason": nullableString(reason)},
		Reason:  reason,
		Actor:   &outbox.ActorRef{Kind: "reconciliation"},
	})
}

// MarkDispatched records the vendor order id and moves the order to
// processing. It is the only path into processing.
func (s *Service) MarkDispatched(ctx context.Context, orderID uuid.UUID, vendorOrderID string) (*Result, error) {
	if strings.TrimSpace(vendorOrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor order id required")
	}
	now := s.now()
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusProcessing,
		From:    dispatchable,
		Updates: map[string]any{
			"vendor_order_id": vendorOrderID,
			"dispatched_at":   now,
			"funding_status":  enums.FundingStatusFunded,
			"failure_reason":  nil,
		},
		Reason: "submitted to vendor",
		Actor:  &outbox.ActorRef{Kind: "fulfillment"},
	})
}

func (s *Service) MarkAwaitingFunds(ctx context.Context, orderID uuid.UUID, reason string) (*Result, error) {
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusAwaitingFunds,
		Updates: map[string]any{
			"funding_status": enums.FundingStatusAwaitingFunds,
			"failure_reason": nullableString(reason),
		},
		Reason: reason,
		Actor:  &outbox.ActorRef{Kind: "funding"},
	})
}

func (s *Service) MarkScheduled(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusScheduled,
		Updates: map[string]any{},
		Reason:  "waiting for scheduled delivery date",
		Actor:   &outbox.ActorRef{Kind: "fulfillment"},
	})
}

func (s *Service) MarkFailed(ctx context.Context, orderID uuid.UUID, reason string, actor *outbox.ActorRef) (*Result, error) {
	return s.transition(ctx, transitionSpec{
		OrderID: orderID,
		To:      enums.OrderStatusFailed,
		Updates: map[string]any{"failure_reason": nullableString(reason)},
		Reason:  reason,
		Actor:   actor,
	})
}

// RequeueDispatch moves a processing order back to a dispatchable state and
// forgets its vendor request. The attempt counter changes the next submission
// key so the vendor does not replay the dropped request.
func (s *Service) RequeueDispatch(ctx context.Context, input RequeueInput) (*Result, error) {
	if input.OrderID == uuid.Nil || strings.TrimSpace(input.VendorOrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id and vendor order id required")
	}
	if !isRequeueTarget(input.To) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid requeue target").
			WithDetails(map[string]any{"to": input.To})
	}

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, input.OrderID)
		if err != nil {
			return mapFindError(err)
		}
		result.Order = order
		if order.Status != enums.OrderStatusProcessing || !order.HasVendorOrder() || *order.VendorOrderID != input.VendorOrderID {
			return nil
		}

		now := s.now()
		updates := map[string]any{
			"status":            input.To,
			"status_changed_at": now,
			"vendor_order_id":   nil,
			"dispatched_at":     nil,
			"dispatch_attempts": gorm.Expr("dispatch_attempts + 1"),
			"failure_reason":    nullableString(input.Reason),
		}
		if input.To == enums.OrderStatusAwaitingFunds {
			updates["funding_status"] = enums.FundingStatusAwaitingFunds
		}
		if input.Event.ID != "" && !order.TimelineEvents.Has(input.Event.ID) {
			ev := input.Event
			if ev.RecordedAt.IsZero() {
				ev.RecordedAt = now
			}
			timeline, err := jsonColumn(append(append(types.TimelineEvents(nil), order.TimelineEvents...), ev))
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode timeline")
			}
			updates["timeline_events"] = timeline
		}

		ok, err := repo.CompareAndSetStatus(ctx, order.ID, enums.OrderStatusProcessing, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "requeue order")
		}
		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		result.Order = current
		if !ok {
			return nil
		}
		result.Changed = true
		return s.emitStatusChanged(ctx, tx, enums.OrderStatusProcessing, current, input.Reason, &outbox.ActorRef{Kind: "vendor"})
	})
	if err != nil {
		return nil, err
	}
	if result.Changed && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.Order.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{"status": result.Order.Status, "vendor_order_id": input.VendorOrderID})
		s.logg.Warn(logCtx, "vendor dropped request, order requeued")
	}
	return &result, nil
}

// MarkCaptured flips an authorized payment to succeeded. Status is untouched.
func (s *Service) MarkCaptured(ctx context.Context, orderID uuid.UUID) error {
	return s.setPaymentStatus(ctx, orderID, enums.PaymentStatusSucceeded, map[string]any{})
}

// MarkRefunded records that the payment was voided or refunded.
func (s *Service) MarkRefunded(ctx context.Context, orderID uuid.UUID) error {
	return s.setPaymentStatus(ctx, orderID, enums.PaymentStatusRefunded, map[string]any{"refunded_at": s.now()})
}

func (s *Service) setPaymentStatus(ctx context.Context, orderID uuid.UUID, status enums.PaymentStatus, updates map[string]any) error {
	updates["payment_status"] = status
	if err := s.repo.UpdateFields(ctx, orderID, updates); err != nil {
		if isNotFound(err) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
	}
	return nil
}

// Cancel moves a non-terminal order to cancelled, then runs the registered
// hooks (void or refund, auto-gift bookkeeping). Hook failures leave the
// order cancelled and are returned so the caller can retry.
func (s *Service) Cancel(ctx context.Context, input CancelInput) (*Result, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "cancelled by administrator"
	}
	result, err := s.transition(ctx, transitionSpec{
		OrderID: input.OrderID,
		To:      enums.OrderStatusCancelled,
		Updates: map[string]any{
			"cancelled_at":   s.now(),
			"failure_reason": reason,
		},
		Reason: reason,
		Actor:  input.Actor,
	})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	hooks := append([]CancelHook(nil), s.hooks...)
	s.mu.RUnlock()

	var hookErr error
	for _, hook := range hooks {
		hookErr = multierr.Append(hookErr, hook.OnOrderCancelled(ctx, result.Order))
	}
	if hookErr != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, hookErr, "order cancelled but cleanup failed")
	}
	if current, err := s.repo.FindByID(ctx, input.OrderID); err == nil {
		result.Order = current
	}
	return result, nil
}

// UpdateScheduledDate moves the delivery date of an order not yet submitted to
// the vendor. A nil date clears it.
func (s *Service) UpdateScheduledDate(ctx context.Context, orderID uuid.UUID, date *time.Time) (*models.Order, error) {
	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return mapFindError(err)
		}
		if order.HasVendorOrder() || IsTerminal(order.Status) || order.Status == enums.OrderStatusProcessing || order.Status == enums.OrderStatusShipped {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order was already submitted to the vendor").
				WithDetails(map[string]any{"status": order.Status})
		}
		var value any
		if date != nil {
			value = date.UTC()
		}
		if err := repo.UpdateFields(ctx, order.ID, map[string]any{"scheduled_delivery_date": value}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update scheduled date")
		}
		updated, err = repo.FindByID(ctx, order.ID)
		return mapFindError(err)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendTimelineEvents merges vendor milestones. Events already present (by
// identity) are dropped, new ones are appended in arrival order and the status
// only ever moves forward.
func (s *Service) AppendTimelineEvents(ctx context.Context, orderID uuid.UUID, events []types.TimelineEvent) (*TimelineResult, error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		result, err := s.mergeTimeline(ctx, orderID, events)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return result, err
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "order timeline is being updated concurrently")
}

func (s *Service) mergeTimeline(ctx context.Context, orderID uuid.UUID, events []types.TimelineEvent) (*TimelineResult, error) {
	var result TimelineResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return mapFindError(err)
		}
		result.Order = order

		now := s.now()
		merged := append(types.TimelineEvents(nil), order.TimelineEvents...)
		var fresh []types.TimelineEvent
		for _, ev := range events {
			if ev.ID == "" || merged.Has(ev.ID) {
				continue
			}
			if ev.RecordedAt.IsZero() {
				ev.RecordedAt = now
			}
			merged = append(merged, ev)
			fresh = append(fresh, ev)
		}
		if len(fresh) == 0 {
			return nil
		}

		from := order.Status
		target := from
		var failure string
		for _, ev := range fresh {
			next := vendorEventTarget(ev.Type)
			switch {
			case next == "":
			case next == enums.OrderStatusFailed:
				if (target == enums.OrderStatusProcessing || target == enums.OrderStatusShipped) && CanTransition(target, next) {
					target = next
					failure = strings.TrimSpace("vendor reported " + string(ev.Type) + ": " + ev.Message)
				}
			case progressRank(next) > progressRank(target) && CanTransition(target, next):
				target = next
			}
		}

		timeline, err := jsonColumn(merged)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode timeline")
		}
		updates := map[string]any{"timeline_events": timeline}
		if target != from {
			updates["status"] = target
			updates["status_changed_at"] = now
			switch target {
			case enums.OrderStatusShipped:
				updates["shipped_at"] = now
			case enums.OrderStatusDelivered:
				updates["delivered_at"] = now
			case enums.OrderStatusFailed:
				updates["failure_reason"] = failure
			}
		}

		ok, err := repo.UpdateWithVersion(ctx, order.ID, order.Version, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append timeline")
		}
		if !ok {
			return errVersionConflict
		}
		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		result.Order = current
		result.Added = len(fresh)
		if target == from {
			return nil
		}
		result.Changed = true
		return s.emitStatusChanged(ctx, tx, from, current, "vendor update", &outbox.ActorRef{Kind: "vendor"})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type transitionSpec struct {
	OrderID uuid.UUID
	To      enums.OrderStatus
	// From optionally narrows the legal sources beyond the transition table.
	From    []enums.OrderStatus
	Updates map[string]any
	Reason  string
	Actor   *outbox.ActorRef
}

func (s *Service) transition(ctx context.Context, spec transitionSpec) (*Result, error) {
	if spec.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	var result Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, spec.OrderID)
		if err != nil {
			return mapFindError(err)
		}
		result.Order = order
		if order.Status == spec.To {
			return nil
		}
		if !allowed(order.Status, spec.To, spec.From) {
			return stateConflict(order.Status, spec.To)
		}

		from := order.Status
		updates := make(map[string]any, len(spec.Updates)+2)
		for k, v := range spec.Updates {
			updates[k] = v
		}
		updates["status"] = spec.To
		updates["status_changed_at"] = s.now()

		ok, err := repo.CompareAndSetStatus(ctx, order.ID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		current, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		result.Order = current
		if !ok {
			if current.Status == spec.To {
				return nil
			}
			return stateConflict(current.Status, spec.To)
		}
		result.Changed = true
		return s.emitStatusChanged(ctx, tx, from, current, spec.Reason, spec.Actor)
	})
	if err != nil {
		return nil, err
	}
	if result.Changed && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, result.Order.ID.String())
		logCtx = s.logg.WithField(logCtx, "status", result.Order.Status)
		s.logg.Info(logCtx, "order status changed")
	}
	return &result, nil
}

func (s *Service) emitStatusChanged(ctx context.Context, tx *gorm.DB, from enums.OrderStatus, order *models.Order, reason string, actor *outbox.ActorRef) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actor,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CustomerEmail: order.CustomerEmail,
			From:          from,
			To:            order.Status,
			PaymentStatus: order.PaymentStatus,
			Reason:        reason,
			ChangedAt:     order.StatusChangedAt,
		},
	})
}

func allowed(from, to enums.OrderStatus, sources []enums.OrderStatus) bool {
	if !CanTransition(from, to) {
		return false
	}
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if s == from {
			return true
		}
	}
	return false
}

func stateConflict(from, to enums.OrderStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order cannot move from %s to %s", from, to)).
		WithDetails(map[string]any{"status": from, "requested": to})
}

func findExisting(ctx context.Context, repo Repository, intentID, sessionID string) (*models.Order, error) {
	if intentID != "" {
		order, err := repo.FindByPaymentIntent(ctx, intentID)
		if err == nil {
			return order, nil
		}
		if !isNotFound(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by payment intent")
		}
	}
	if sessionID != "" {
		order, err := repo.FindByCheckoutSession(ctx, sessionID)
		if err == nil {
			return order, nil
		}
		if !isNotFound(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by checkout session")
		}
	}
	return nil, nil
}

func recordFor(ctx context.Context, repo Repository, intentID string) (*models.PaymentIntentRecord, error) {
	if intentID == "" {
		return nil, nil
	}
	record, err := repo.FindRecord(ctx, intentID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent record")
	}
	return record, nil
}

func mapFindError(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}

func jsonColumn(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
