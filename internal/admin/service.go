package admin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/giftpipe-backend/internal/autogift"
	"github.com/angelmondragon/giftpipe-backend/internal/fulfillment"
	"github.com/angelmondragon/giftpipe-backend/internal/funding"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/internal/recovery"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
)

// TriggerAdmin marks dispatches started from the admin surface.
const TriggerAdmin = "admin"

const (
	defaultProcessLimit = 100
	defaultLookback     = 24 * time.Hour
	maxLookback         = 7 * 24 * time.Hour
	historyLimit        = 50
)

type orderLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	List(ctx context.Context, filter orders.ListFilter) ([]models.Order, error)
	CountByStatus(ctx context.Context) (map[enums.OrderStatus]int64, error)
	Cancel(ctx context.Context, input orders.CancelInput) (*orders.Result, error)
	UpdateScheduledDate(ctx context.Context, orderID uuid.UUID, date *time.Time) (*models.Order, error)
}

type fundingMonitor interface {
	Check(ctx context.Context, trigger string) (*funding.CheckResult, error)
	Summary(ctx context.Context) (*funding.Summary, error)
	ResolveAlert(ctx context.Context, alertID uuid.UUID, actor string) (*models.FundingAlert, error)
}

type stuckRecovery interface {
	Sweep(ctx context.Context) (*recovery.SweepResult, error)
	FixAll(ctx context.Context) (*recovery.SweepResult, error)
	RetryOrder(ctx context.Context, orderID uuid.UUID) (*recovery.Attempt, error)
	Audit(ctx context.Context, entry recovery.AuditEntry) error
	History(ctx context.Context, orderID uuid.UUID, limit int) ([]models.RecoveryLog, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, orderID uuid.UUID, trigger string) (*fulfillment.DispatchResult, error)
	SyncOrder(ctx context.Context, orderID uuid.UUID) (*orders.TimelineResult, error)
}

type missedOrderReconciler interface {
	ReconcileRecent(ctx context.Context, since time.Time) (*reconciliation.BatchResult, error)
}

type autoGiftRunner interface {
	Run(ctx context.Context) (*autogift.RunResult, error)
}

// Status is the operator dashboard view.
type Status struct {
	Funding     *funding.Summary            `json:"funding"`
	Orders      map[enums.OrderStatus]int64 `json:"orders"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// ProcessResult summarises a manual dispatch pass.
type ProcessResult struct {
	Examined      int                          `json:"examined"`
	Submitted     int                          `json:"submitted"`
	AwaitingFunds int                          `json:"awaiting_funds"`
	Scheduled     int                          `json:"scheduled"`
	Skipped       int                          `json:"skipped"`
	Failed        int                          `json:"failed"`
	Results       []fulfillment.DispatchResult `json:"results"`
	Errors        []string                     `json:"errors,omitempty"`
}

// OrderDetail is the full operator view of one order.
type OrderDetail struct {
	Order       *models.Order        `json:"order"`
	PaymentView string               `json:"payment_view"`
	History     []models.RecoveryLog `json:"history"`
}

// CancelResult reports an administrative cancellation.
type CancelResult struct {
	Order     *models.Order `json:"order"`
	Cancelled bool          `json:"cancelled"`
}

type ServiceParams struct {
	Orders         orderLedger
	Funding        fundingMonitor
	Recovery       stuckRecovery
	Dispatcher     dispatcher
	Reconciliation missedOrderReconciler
	AutoGift       autoGiftRunner
	Logger         *logger.Logger
	Clock          func() time.Time
}

// Service backs the admin action endpoints. Every action delegates to the
// same idempotent operations the automated pipeline uses, so repeating a
// call has the effect of a single call.
type Service struct {
	orders         orderLedger
	funding        fundingMonitor
	recovery       stuckRecovery
	dispatcher     dispatcher
	reconciliation missedOrderReconciler
	autogift       autoGiftRunner
	logg           *logger.Logger
	now            func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	case params.Funding == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "funding service required")
	case params.Recovery == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "recovery service required")
	case params.Dispatcher == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dispatcher required")
	case params.Reconciliation == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service required")
	case params.AutoGift == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "auto-gift service required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		orders:         params.Orders,
		funding:        params.Funding,
		recovery:       params.Recovery,
		dispatcher:     params.Dispatcher,
		reconciliation: params.Reconciliation,
		autogift:       params.AutoGift,
		logg:           params.Logger,
		now:            clock,
	}, nil
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	summary, err := s.funding.Summary(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.orders.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count orders")
	}
	return &Status{Funding: summary, Orders: counts, GeneratedAt: s.now()}, nil
}

// TriggerProcessing dispatches every paid order that is waiting on the vendor
// and due. Orders already submitted come back as already_submitted.
func (s *Service) TriggerProcessing(ctx context.Context, limit int) (*ProcessResult, error) {
	if limit <= 0 {
		limit = defaultProcessLimit
	}
	noVendor := false
	now := s.now()
	candidates, err := s.orders.List(ctx, orders.ListFilter{
		Statuses: []enums.OrderStatus{
			enums.OrderStatusPaymentConfirmed,
			enums.OrderStatusAwaitingFunds,
			enums.OrderStatusScheduled,
		},
		HasVendorOrder: &noVendor,
		Limit:          limit,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dispatchable orders")
	}

	result := &ProcessResult{Results: []fulfillment.DispatchResult{}}
	var errs error
	for _, order := range candidates {
		if order.ScheduledDeliveryDate != nil && order.ScheduledDeliveryDate.After(now) {
			continue
		}
		result.Examined++
		res, err := s.dispatcher.Dispatch(ctx, order.ID, TriggerAdmin)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, order.ID.String()+": "+errorMessage(err))
			errs = multierr.Append(errs, err)
			continue
		}
		result.Results = append(result.Results, *res)
		switch res.Outcome {
		case fulfillment.OutcomeSubmitted:
			result.Submitted++
		case fulfillment.OutcomeAwaitingFunds:
			result.AwaitingFunds++
		case fulfillment.OutcomeScheduled:
			result.Scheduled++
		case fulfillment.OutcomeRejected:
			result.Failed++
		default:
			result.Skipped++
		}
	}
	if errs != nil && s.logg != nil {
		s.logg.Error(ctx, "manual processing had failures", errs)
	}
	return result, nil
}

func (s *Service) CheckFunding(ctx context.Context) (*funding.CheckResult, error) {
	return s.funding.Check(ctx, TriggerAdmin)
}

func (s *Service) ResolveAlert(ctx context.Context, alertID uuid.UUID, actor string) (*models.FundingAlert, error) {
	return s.funding.ResolveAlert(ctx, alertID, actorLabel(actor))
}

// UpdateScheduledDate moves the delivery date of an order the vendor has not
// seen yet and records who moved it.
func (s *Service) UpdateScheduledDate(ctx context.Context, orderID uuid.UUID, date *time.Time, actor string) (*models.Order, error) {
	before, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.orders.UpdateScheduledDate(ctx, orderID, date)
	if err != nil {
		return nil, err
	}
	details := map[string]any{"actor": actorLabel(actor), "previous": dateValue(before.ScheduledDeliveryDate), "scheduled_delivery_date": dateValue(date)}
	s.audit(ctx, recovery.AuditEntry{
		OrderID:      orderID,
		Action:       enums.RecoveryActionReschedule,
		Trigger:      enums.RecoveryTriggerManual,
		Outcome:      enums.RecoveryOutcomeSucceeded,
		StatusBefore: before.Status,
		StatusAfter:  updated.Status,
		Message:      "scheduled delivery date updated",
		Details:      details,
	})
	return updated, nil
}

// ReconcileMissed re-checks processor sessions paid within the lookback
// window and creates any order a lost webhook never produced.
func (s *Service) ReconcileMissed(ctx context.Context, lookback time.Duration) (*reconciliation.BatchResult, error) {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if lookback > maxLookback {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "lookback exceeds 7 days").
			WithDetails(map[string]any{"max_hours": int(maxLookback.Hours())})
	}
	return s.reconciliation.ReconcileRecent(ctx, s.now().Add(-lookback))
}

func (s *Service) RetryOrder(ctx context.Context, orderID uuid.UUID) (*recovery.Attempt, error) {
	return s.recovery.RetryOrder(ctx, orderID)
}

func (s *Service) FixStuck(ctx context.Context) (*recovery.SweepResult, error) {
	return s.recovery.FixAll(ctx)
}

func (s *Service) Sweep(ctx context.Context) (*recovery.SweepResult, error) {
	return s.recovery.Sweep(ctx)
}

// CancelOrder cancels an order and releases or refunds its payment through
// the ledger's cancel hooks. Cancelling an already cancelled order returns it
// unchanged.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason, actor string) (*CancelResult, error) {
	before, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if before.Status == enums.OrderStatusCancelled {
		return &CancelResult{Order: before}, nil
	}

	label := actorLabel(actor)
	res, err := s.orders.Cancel(ctx, orders.CancelInput{
		OrderID: orderID,
		Reason:  reason,
		Actor:   &outbox.ActorRef{Kind: "admin", ID: label},
	})
	outcome := enums.RecoveryOutcomeSucceeded
	message := "order cancelled"
	if err != nil {
		if res == nil {
			return nil, err
		}
		outcome = enums.RecoveryOutcomeFailed
		message = "order cancelled but payment cleanup failed: " + errorMessage(err)
	}
	s.audit(ctx, recovery.AuditEntry{
		OrderID:      orderID,
		Action:       enums.RecoveryActionCancel,
		Trigger:      enums.RecoveryTriggerManual,
		Outcome:      outcome,
		StatusBefore: before.Status,
		StatusAfter:  res.Order.Status,
		Message:      message,
		Details:      map[string]any{"actor": label, "reason": reason},
	})
	if err != nil {
		return nil, err
	}
	return &CancelResult{Order: res.Order, Cancelled: res.Changed}, nil
}

func (s *Service) SyncOrder(ctx context.Context, orderID uuid.UUID) (*orders.TimelineResult, error) {
	return s.dispatcher.SyncOrder(ctx, orderID)
}

func (s *Service) OrderDetail(ctx context.Context, orderID uuid.UUID) (*OrderDetail, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	history, err := s.recovery.History(ctx, orderID, historyLimit)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []models.RecoveryLog{}
	}
	return &OrderDetail{
		Order:       order,
		PaymentView: orders.PaymentView(order.Status, order.PaymentStatus),
		History:     history,
	}, nil
}

func (s *Service) RunAutoGifts(ctx context.Context) (*autogift.RunResult, error) {
	return s.autogift.Run(ctx)
}

func (s *Service) audit(ctx context.Context, entry recovery.AuditEntry) {
	if err := s.recovery.Audit(ctx, entry); err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, entry.OrderID.String()), "write admin audit entry", err)
	}
}

func actorLabel(actor string) string {
	if actor == "" {
		return "admin"
	}
	return "admin:" + actor
}

func dateValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02")
}

func errorMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil && typed.Message() != "" {
		return typed.Message()
	}
	return err.Error()
}
