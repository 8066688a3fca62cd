package recovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"

	"github.com/angelmondragon/giftpipe-backend/internal/fulfillment"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
)

type orderReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	List(ctx context.Context, filter orders.ListFilter) ([]models.Order, error)
}

type paymentVerifier interface {
	VerifyOrderPayment(ctx context.Context, orderID uuid.UUID) (*reconciliation.VerifyResult, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, orderID uuid.UUID, trigger string) (*fulfillment.DispatchResult, error)
	SyncOrder(ctx context.Context, orderID uuid.UUID) (*orders.TimelineResult, error)
}

type paymentCapturer interface {
	CapturePayment(ctx context.Context, intentID string) (*payments.Verification, error)
}

// Attempt is one recovery action taken (or declined) for one order.
type Attempt struct {
	OrderID      uuid.UUID             `json:"order_id"`
	Action       enums.RecoveryAction  `json:"action,omitempty"`
	Outcome      enums.RecoveryOutcome `json:"outcome"`
	StatusBefore enums.OrderStatus     `json:"status_before"`
	StatusAfter  enums.OrderStatus     `json:"status_after"`
	Message      string                `json:"message,omitempty"`
}

type SweepResult struct {
	Trigger   enums.RecoveryTrigger `json:"trigger"`
	Examined  int                   `json:"examined"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	Attempts  []Attempt             `json:"attempts"`
}

func (r *SweepResult) add(a Attempt) {
	r.Attempts = append(r.Attempts, a)
	switch a.Outcome {
	case enums.RecoveryOutcomeSucceeded:
		r.Succeeded++
	case enums.RecoveryOutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// AuditEntry is an externally performed action recorded in the recovery log.
type AuditEntry struct {
	OrderID      uuid.UUID
	Action       enums.RecoveryAction
	Trigger      enums.RecoveryTrigger
	Outcome      enums.RecoveryOutcome
	StatusBefore enums.OrderStatus
	StatusAfter  enums.OrderStatus
	Message      string
	Details      map[string]any
}

type ServiceParams struct {
	Repo       Repository
	Orders     orderReader
	Verifier   paymentVerifier
	Dispatcher dispatcher
	Payments   paymentCapturer
	Config     config.RecoveryConfig
	Logger     *logger.Logger
	Metrics    *metrics.PipelineMetrics
	Clock      func() time.Time
}

// Service finds orders that stopped making forward progress and pushes them
// along with the same idempotent operations the happy path uses.
type Service struct {
	repo       Repository
	orders     orderReader
	verifier   paymentVerifier
	dispatcher dispatcher
	payments   paymentCapturer
	cfg        config.RecoveryConfig
	logg       *logger.Logger
	metrics    *metrics.PipelineMetrics
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "recovery repository required")
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	case params.Verifier == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment verifier required")
	case params.Dispatcher == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dispatcher required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		repo:       params.Repo,
		orders:     params.Orders,
		verifier:   params.Verifier,
		dispatcher: params.Dispatcher,
		payments:   params.Payments,
		cfg:        cfg,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        clock,
	}, nil
}

// Sweep applies every SLA rule with its age threshold and the backoff.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, enums.RecoveryTriggerSweep, false)
}

// FixAll ignores SLA ages but still honours the backoff window.
func (s *Service) FixAll(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, enums.RecoveryTriggerFixAll, true)
}

// RetryOrder recovers one order now, ignoring SLA age and backoff.
func (s *Service) RetryOrder(ctx context.Context, orderID uuid.UUID) (*Attempt, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	action := actionFor(order, s.now(), s.cfg, true)
	if action == "" {
		attempt := Attempt{
			OrderID:      order.ID,
			Outcome:      enums.RecoveryOutcomeSkipped,
			StatusBefore: order.Status,
			StatusAfter:  order.Status,
			Message:      "order needs no recovery in status " + string(order.Status),
		}
		return &attempt, nil
	}
	attempt := s.execute(ctx, order, action, enums.RecoveryTriggerManual)
	return &attempt, nil
}

func (s *Service) run(ctx context.Context, trigger enums.RecoveryTrigger, ignoreAge bool) (*SweepResult, error) {
	if s.logg != nil {
		ctx = s.logg.WithField(ctx, "recovery_trigger", string(trigger))
	}
	now := s.now()
	result := &SweepResult{Trigger: trigger}

	var errs error
	seen := make(map[uuid.UUID]struct{})
	for _, filter := range candidateFilters(now, s.cfg, ignoreAge) {
		list, err := s.orders.List(ctx, filter)
		if err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list recovery candidates"))
			continue
		}
		for i := range list {
			order := &list[i]
			if _, dup := seen[order.ID]; dup {
				continue
			}
			seen[order.ID] = struct{}{}

			action := actionFor(order, now, s.cfg, ignoreAge)
			if action == "" {
				continue
			}
			result.Examined++

			backedOff, err := s.inBackoff(ctx, order.ID, action, now)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if backedOff {
				result.add(s.record(ctx, Attempt{
					OrderID:      order.ID,
					Action:       action,
					Outcome:      enums.RecoveryOutcomeSkipped,
					StatusBefore: order.Status,
					StatusAfter:  order.Status,
					Message:      "last attempt failed within backoff window",
				}, trigger))
				continue
			}
			result.add(s.execute(ctx, order, action, trigger))
		}
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"examined":  result.Examined,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"skipped":   result.Skipped,
		}), "recovery run finished")
	}
	return result, errs
}

func (s *Service) inBackoff(ctx context.Context, orderID uuid.UUID, action enums.RecoveryAction, now time.Time) (bool, error) {
	if s.cfg.Backoff <= 0 {
		return false, nil
	}
	last, err := s.repo.LastDecisive(ctx, orderID, action)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read recovery log")
	}
	return last != nil && last.Outcome == enums.RecoveryOutcomeFailed && last.CreatedAt.After(now.Add(-s.cfg.Backoff)), nil
}

func (s *Service) execute(ctx context.Context, order *models.Order, action enums.RecoveryAction, trigger enums.RecoveryTrigger) Attempt {
	attempt := Attempt{OrderID: order.ID, Action: action, StatusBefore: order.Status}
	actionCtx := ctx
	if s.logg != nil {
		actionCtx = s.logg.WithOrderID(ctx, order.ID.String())
	}

	outcome, message, err := s.perform(actionCtx, order, action, trigger)
	attempt.Outcome = outcome
	attempt.Message = message
	if err != nil {
		attempt.Outcome = enums.RecoveryOutcomeFailed
		attempt.Message = err.Error()
		if s.logg != nil {
			s.logg.Error(s.logg.WithField(actionCtx, "action", string(action)), "recovery action failed", err)
		}
	}

	attempt.StatusAfter = order.Status
	if current, getErr := s.orders.Get(ctx, order.ID); getErr == nil {
		attempt.StatusAfter = current.Status
	}
	return s.record(ctx, attempt, trigger)
}

func (s *Service) perform(ctx context.Context, order *models.Order, action enums.RecoveryAction, trigger enums.RecoveryTrigger) (enums.RecoveryOutcome, string, error) {
	switch action {
	case enums.RecoveryActionVerifyPayment:
		res, err := s.verifier.VerifyOrderPayment(ctx, order.ID)
		if err != nil {
			return "", "", err
		}
		if res.Outcome == payments.OutcomePending {
			return enums.RecoveryOutcomeSkipped, "payment still pending at processor", nil
		}
		return enums.RecoveryOutcomeSucceeded, "processor reports " + string(res.Outcome), nil

	case enums.RecoveryActionDispatch:
		res, err := s.dispatcher.Dispatch(ctx, order.ID, string(trigger))
		if err != nil {
			return "", "", err
		}
		switch res.Outcome {
		case fulfillment.OutcomeSubmitted, fulfillment.OutcomeAlreadySubmitted:
			return enums.RecoveryOutcomeSucceeded, "dispatch " + string(res.Outcome), nil
		case fulfillment.OutcomeRejected:
			return enums.RecoveryOutcomeFailed, res.Reason, nil
		}
		return enums.RecoveryOutcomeSkipped, joinReason("dispatch "+string(res.Outcome), res.Reason), nil

	case enums.RecoveryActionCapturePayment:
		if order.PaymentIntentID == nil {
			return enums.RecoveryOutcomeFailed, "authorized order has no payment intent", nil
		}
		if _, err := s.payments.CapturePayment(ctx, *order.PaymentIntentID); err != nil {
			return "", "", err
		}
		return enums.RecoveryOutcomeSucceeded, "authorization captured before expiry", nil

	case enums.RecoveryActionSyncVendor:
		res, err := s.dispatcher.SyncOrder(ctx, order.ID)
		if err != nil {
			return "", "", err
		}
		if res.Added == 0 {
			return enums.RecoveryOutcomeSkipped, "no new vendor events", nil
		}
		return enums.RecoveryOutcomeSucceeded, "vendor events ingested", nil
	}
	return enums.RecoveryOutcomeSkipped, "unsupported action", nil
}

func (s *Service) record(ctx context.Context, attempt Attempt, trigger enums.RecoveryTrigger) Attempt {
	s.metrics.IncRecovery(string(attempt.Action), string(attempt.Outcome))
	err := s.repo.Create(ctx, &models.RecoveryLog{
		OrderID:      attempt.OrderID,
		Action:       attempt.Action,
		Trigger:      trigger,
		Outcome:      attempt.Outcome,
		StatusBefore: attempt.StatusBefore,
		StatusAfter:  attempt.StatusAfter,
		Message:      attempt.Message,
		CreatedAt:    s.now(),
	})
	if err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, attempt.OrderID.String()), "write recovery log", err)
	}
	return attempt
}

// Audit appends an action performed outside the sweep, such as an admin
// cancellation, to the recovery log.
func (s *Service) Audit(ctx context.Context, entry AuditEntry) error {
	var details datatypes.JSON
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode audit details")
		}
		details = datatypes.JSON(raw)
	}
	s.metrics.IncRecovery(string(entry.Action), string(entry.Outcome))
	err := s.repo.Create(ctx, &models.RecoveryLog{
		OrderID:      entry.OrderID,
		Action:       entry.Action,
		Trigger:      entry.Trigger,
		Outcome:      entry.Outcome,
		StatusBefore: entry.StatusBefore,
		StatusAfter:  entry.StatusAfter,
		Message:      entry.Message,
		Details:      details,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write recovery log")
	}
	return nil
}

// History returns the newest audit rows for an order.
func (s *Service) History(ctx context.Context, orderID uuid.UUID, limit int) ([]models.RecoveryLog, error) {
	logs, err := s.repo.ListForOrder(ctx, orderID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list recovery log")
	}
	return logs, nil
}

func joinReason(head, reason string) string {
	if reason == "" {
		return head
	}
	return head + ": " + reason
}
