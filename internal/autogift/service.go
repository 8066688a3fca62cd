package autogift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

const (
	occurrenceLayout    = "2006-01-02"
	occurrenceIndexName = "ux_auto_gift_executions_occurrence"
)

type intentCreator interface {
	CreatePaymentIntent(ctx context.Context, input payments.CreateIntentInput) (*payments.CreateIntentResult, error)
}

type orderCanceller interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Cancel(ctx context.Context, input orders.CancelInput) (*orders.Result, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// RunResult counts what one pass over the active rules did.
type RunResult struct {
	Rules           int `json:"rules"`
	Due             int `json:"due"`
	Created         int `json:"created"`
	AlreadyExecuted int `json:"already_executed"`
	Failed          int `json:"failed"`
}

type ServiceParams struct {
	Repo     Repository
	Tx       txRunner
	Outbox   outbox.Emitter
	Payments intentCreator
	Orders   orderCanceller
	Config   config.AutoGiftConfig
	Logger   *logger.Logger
	Metrics  *metrics.PipelineMetrics
	Clock    func() time.Time
}

// Service turns due auto-gift rules into paid, scheduled orders. Each
// (rule, occurrence) pair is executed at most once.
type Service struct {
	repo     Repository
	tx       txRunner
	outbox   outbox.Emitter
	payments intentCreator
	orders   orderCanceller
	cfg      config.AutoGiftConfig
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "auto-gift repository required")
	case params.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Service{
		repo:     params.Repo,
		tx:       params.Tx,
		outbox:   params.Outbox,
		payments: params.Payments,
		orders:   params.Orders,
		cfg:      cfg,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      clock,
	}, nil
}

// Run executes every active rule whose next occurrence is inside its lead
// window. Failures on one rule do not stop the pass; infrastructure errors
// are aggregated and returned with the counts.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{}
	today := startOfDay(s.now())

	var errs error
	after := uuid.Nil
	for {
		rules, err := s.repo.ListActiveRules(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return result, multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list auto-gift rules"))
		}
		for i := range rules {
			rule := &rules[i]
			result.Rules++
			occurrence, ok := NextOccurrence(rule, today)
			if !ok || !InLeadWindow(rule, occurrence, today) {
				continue
			}
			result.Due++
			outcome, err := s.execute(ctx, rule, occurrence)
			switch outcome {
			case outcomeCreated:
				result.Created++
			case outcomeDuplicate:
				result.AlreadyExecuted++
			case outcomeFailed:
				result.Failed++
			}
			s.metrics.IncAutoGift(string(outcome))
			errs = multierr.Append(errs, err)
		}
		if len(rules) < s.cfg.BatchSize {
			break
		}
		after = rules[len(rules)-1].ID
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"rules":            result.Rules,
			"due":              result.Due,
			"created":          result.Created,
			"already_executed": result.AlreadyExecuted,
			"failed":           result.Failed,
		}), "auto-gift run finished")
	}
	return result, errs
}

type executeOutcome string

const (
	outcomeCreated   executeOutcome = "created"
	outcomeDuplicate executeOutcome = "duplicate"
	outcomeFailed    executeOutcome = "failed"
)

func (s *Service) execute(ctx context.Context, rule *models.AutoGiftRule, occurrence time.Time) (executeOutcome, error) {
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"auto_gift_rule_id": rule.ID.String(),
			"occurrence_date":   occurrence.Format(occurrenceLayout),
		})
	}

	execution, err := s.claim(ctx, rule, occurrence)
	if err != nil {
		return outcomeFailed, err
	}
	if execution == nil {
		return outcomeDuplicate, nil
	}

	candidate, ok := PickGift(rule.Criteria.Candidates, rule.BudgetCents)
	if !ok {
		return outcomeFailed, s.fail(ctx, execution.ID, "no gift candidate within budget")
	}
	if rule.ShippingAddress == nil {
		return outcomeFailed, s.fail(ctx, execution.ID, "rule has no shipping address")
	}

	userID := rule.UserID
	ruleID := rule.ID
	executionID := execution.ID
	scheduled := occurrence
	intent, err := s.payments.CreatePaymentIntent(ctx, payments.CreateIntentInput{
		Amount:     decimal.NewFromInt(candidate.PriceCents),
		AmountUnit: enums.AmountUnitMinor,
		Currency:   string(rule.Currency),
		Items: types.CartItems{{
			ProductID:       candidate.ProductID,
			VendorProductID: candidate.VendorProductID,
			Name:            candidate.Name,
			Quantity:        1,
			UnitPriceCents:  candidate.PriceCents,
		}},
		Shipping:              rule.ShippingAddress,
		ScheduledDeliveryDate: &scheduled,
		Gift:                  &types.GiftOptions{Message: rule.GiftMessage, RecipientName: rule.RecipientName},
		PaymentMethodID:       rule.PaymentMethodID,
		StripeCustomerID:      rule.StripeCustomerID,
		UserID:                &userID,
		Email:                 rule.CustomerEmail,
		Name:                  rule.RecipientName,
		AutoGiftRuleID:        &ruleID,
		AutoGiftExecutionID:   &executionID,
		IdempotencyKey:        "autogift:" + executionID.String(),
	})
	if err != nil {
		// Transient failures keep the execution pending; the next run resumes
		// it under the same idempotency key.
		if pkgerrors.As(err).Code() == pkgerrors.CodeDependency {
			return outcomeFailed, err
		}
		reason := err.Error()
		if msg := pkgerrors.As(err).Message(); msg != "" {
			reason = msg
		}
		return outcomeFailed, s.fail(ctx, execution.ID, reason)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).UpdateExecution(ctx, execution.ID, map[string]any{
			"status":            enums.AutoGiftExecutionOrderCreated,
			"order_id":          intent.OrderID,
			"payment_intent_id": intent.PaymentIntentID,
			"amount_cents":      intent.AmountCents,
			"failure_reason":    nil,
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAutoGiftOrderCreated,
			AggregateType: enums.AggregateAutoGiftExecution,
			AggregateID:   execution.ID,
			Actor:         &outbox.ActorRef{Kind: "auto_gift"},
			Data: payloads.AutoGiftOrderCreatedEvent{
				ExecutionID:    execution.ID,
				RuleID:         rule.ID,
				OrderID:        intent.OrderID,
				OccurrenceDate: execution.OccurrenceDate,
				AmountCents:    intent.AmountCents,
			},
		})
	})
	if err != nil {
		return outcomeFailed, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record auto-gift order")
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, intent.OrderID.String()), "auto-gift order created")
	}
	return outcomeCreated, nil
}

// claim inserts the execution row for an occurrence. It returns nil when the
// occurrence already ran, and the existing row when an earlier attempt was
// interrupted before an order was created.
func (s *Service) claim(ctx context.Context, rule *models.AutoGiftRule, occurrence time.Time) (*models.AutoGiftExecution, error) {
	execution := &models.AutoGiftExecution{
		RuleID:         rule.ID,
		OccurrenceDate: occurrence.Format(occurrenceLayout),
		Status:         enums.AutoGiftExecutionPending,
	}
	err := s.repo.CreateExecution(ctx, execution)
	if err == nil {
		return execution, nil
	}
	if !db.IsUniqueViolation(err, occurrenceIndexName) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create auto-gift execution")
	}

	existing, err := s.repo.FindOccurrence(ctx, rule.ID, execution.OccurrenceDate)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load auto-gift execution")
	}
	if existing.Status != enums.AutoGiftExecutionPending {
		return nil, nil
	}
	return existing, nil
}

func (s *Service) fail(ctx context.Context, executionID uuid.UUID, reason string) error {
	if s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "reason", reason), "auto-gift execution failed")
	}
	if err := s.repo.UpdateExecution(ctx, executionID, map[string]any{
		"status":         enums.AutoGiftExecutionFailed,
		"failure_reason": reason,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark auto-gift execution failed")
	}
	return nil
}

// CancelRule deactivates a rule and stops its open executions. ownerID scopes
// the call to one user; uuid.Nil skips the check.
func (s *Service) CancelRule(ctx context.Context, ruleID, ownerID uuid.UUID) (*models.AutoGiftRule, error) {
	rule, err := s.repo.FindRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "auto-gift rule not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load auto-gift rule")
	}
	if ownerID != uuid.Nil && rule.UserID != ownerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "auto-gift rule not found")
	}
	if err := s.repo.DeactivateRule(ctx, ruleID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate auto-gift rule")
	}
	rule.Active = false

	open, err := s.repo.ListExecutionsForRule(ctx, ruleID, enums.AutoGiftExecutionPending, enums.AutoGiftExecutionOrderCreated)
	if err != nil {
		return rule, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list auto-gift executions")
	}
	var errs error
	for i := range open {
		execution := &open[i]
		if execution.OrderID == nil {
			errs = multierr.Append(errs, s.setStatus(ctx, execution.ID, enums.AutoGiftExecutionCancelled))
			continue
		}
		if _, err := s.cancelExecution(ctx, execution, "auto-gift rule cancelled"); err != nil {
			if pkgerrors.As(err).Code() == pkgerrors.CodeStateConflict {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return rule, errs
}

// CancelExecution cancels the order an execution created, which voids the
// authorization or refunds the capture through the order cancel hooks.
func (s *Service) CancelExecution(ctx context.Context, executionID, ownerID uuid.UUID) (*models.AutoGiftExecution, error) {
	execution, err := s.repo.FindExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "auto-gift execution not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load auto-gift execution")
	}
	if ownerID != uuid.Nil {
		rule, err := s.repo.FindRule(ctx, execution.RuleID)
		if err != nil || rule.UserID != ownerID {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "auto-gift execution not found")
		}
	}
	return s.cancelExecution(ctx, execution, "auto-gift cancelled by owner")
}

func (s *Service) cancelExecution(ctx context.Context, execution *models.AutoGiftExecution, reason string) (*models.AutoGiftExecution, error) {
	switch execution.Status {
	case enums.AutoGiftExecutionCancelled, enums.AutoGiftExecutionRefunded:
		return execution, nil
	case enums.AutoGiftExecutionFailed:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "auto-gift execution already failed")
	}

	if execution.OrderID == nil {
		if err := s.setStatus(ctx, execution.ID, enums.AutoGiftExecutionCancelled); err != nil {
			return nil, err
		}
	} else {
		_, err := s.orders.Cancel(ctx, orders.CancelInput{
			OrderID: *execution.OrderID,
			Reason:  reason,
			Actor:   &outbox.ActorRef{Kind: "auto_gift", ID: execution.ID.String()},
		})
		if err != nil {
			return nil, err
		}
	}

	current, err := s.repo.FindExecution(ctx, execution.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload auto-gift execution")
	}
	return current, nil
}

// CancelForOrder marks the executions linked to a cancelled order.
func (s *Service) CancelForOrder(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return s.OnOrderCancelled(ctx, order)
}

// OnOrderCancelled runs as an order cancel hook. A captured payment becomes a
// refund; anything else is a plain cancellation.
func (s *Service) OnOrderCancelled(ctx context.Context, order *models.Order) error {
	if order == nil || order.AutoGiftExecutionID == nil && order.AutoGiftRuleID == nil {
		return nil
	}
	linked, err := s.repo.ListExecutionsForOrder(ctx, order.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list auto-gift executions")
	}
	status := enums.AutoGiftExecutionCancelled
	if order.PaymentStatus == enums.PaymentStatusSucceeded || order.PaymentStatus == enums.PaymentStatusRefunded {
		status = enums.AutoGiftExecutionRefunded
	}

	var errs error
	for _, execution := range linked {
		if execution.Status != enums.AutoGiftExecutionPending && execution.Status != enums.AutoGiftExecutionOrderCreated {
			continue
		}
		errs = multierr.Append(errs, s.setStatus(ctx, execution.ID, status))
	}
	return errs
}

func (s *Service) setStatus(ctx context.Context, executionID uuid.UUID, status enums.AutoGiftExecutionStatus) error {
	if err := s.repo.UpdateExecution(ctx, executionID, map[string]any{"status": status}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("mark auto-gift execution %s", status))
	}
	return nil
}
