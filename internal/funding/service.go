package funding

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/internal/fulfillment"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox/payloads"
)

// TriggerFunding marks dispatches released by a funding check.
const TriggerFunding = "funding"

const systemResolver = "system:funding"

type orderReader interface {
	PendingDispatchValue(ctx context.Context) (orders.PendingValue, error)
	List(ctx context.Context, filter orders.ListFilter) ([]models.Order, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, orderID uuid.UUID, trigger string) (*fulfillment.DispatchResult, error)
}

type balanceSource interface {
	Balance(ctx context.Context) (int64, error)
	Refresh(ctx context.Context) (int64, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Snapshot is the balance picture an alert was raised or refreshed with.
type Snapshot struct {
	BalanceCents          int64
	PendingCents          int64
	RecommendedTopUpCents int64
	OrdersWaiting         int
}

type CheckResult struct {
	BalanceCents   int64                `json:"balance_cents"`
	PendingCents   int64                `json:"pending_cents"`
	PendingOrders  int64                `json:"pending_orders"`
	AwaitingFunds  int64                `json:"awaiting_funds"`
	Sufficient     bool                 `json:"sufficient"`
	Released       int                  `json:"released"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	Alert          *models.FundingAlert `json:"alert,omitempty"`
	AlertRaised    bool                 `json:"alert_raised"`
}

type Summary struct {
	BalanceCents     int64                 `json:"balance_cents"`
	BalanceAvailable bool                  `json:"balance_available"`
	PendingCents     int64                 `json:"pending_cents"`
	PendingOrders    int64                 `json:"pending_orders"`
	AwaitingFunds    int64                 `json:"awaiting_funds"`
	Sufficient       bool                  `json:"sufficient"`
	OpenAlerts       []models.FundingAlert `json:"open_alerts"`
}

type ServiceParams struct {
	Repo       Repository
	Tx         txRunner
	Outbox     outbox.Emitter
	Orders     orderReader
	Dispatcher dispatcher
	Balance    balanceSource
	Config     config.FundingConfig
	Logger     *logger.Logger
	Metrics    *metrics.PipelineMetrics
	Clock      func() time.Time
}

// Service compares the vendor balance with paid work waiting on it, releases
// parked orders once covered and raises rate-limited operator alerts.
type Service struct {
	repo       Repository
	tx         txRunner
	outbox     outbox.Emitter
	orders     orderReader
	dispatcher dispatcher
	balance    balanceSource
	cfg        config.FundingConfig
	logg       *logger.Logger
	metrics    *metrics.PipelineMetrics
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "funding repository required")
	case params.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	case params.Dispatcher == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dispatcher required")
	case params.Balance == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "balance source required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:       params.Repo,
		tx:         params.Tx,
		outbox:     params.Outbox,
		orders:     params.Orders,
		dispatcher: params.Dispatcher,
		balance:    params.Balance,
		cfg:        params.Config,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        clock,
	}, nil
}

// Check runs one funding evaluation. It is safe to call repeatedly and
// concurrently; alerts are deduplicated per type within the cooldown.
func (s *Service) Check(ctx context.Context, trigger string) (*CheckResult, error) {
	if s.logg != nil {
		ctx = s.logg.WithField(ctx, "trigger", trigger)
	}
	balance, err := s.balance.Refresh(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read vendor balance")
	}
	pending, err := s.orders.PendingDispatchValue(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum pending orders")
	}
	s.metrics.SetFunding(balance, pending.Cents)

	result := &CheckResult{
		BalanceCents:  balance,
		PendingCents:  pending.Cents,
		PendingOrders: pending.Orders,
		AwaitingFunds: pending.AwaitingFunds,
		Sufficient:    balance >= pending.Cents,
	}

	snapshot := Snapshot{
		BalanceCents:          balance,
		PendingCents:          pending.Cents,
		RecommendedTopUpCents: RecommendedTopUp(balance, pending.Cents, s.cfg),
		OrdersWaiting:         int(pending.AwaitingFunds),
	}

	if result.Sufficient {
		released, releaseErr := s.releaseAwaiting(ctx)
		result.Released = released
		// a covered queue can still leave the balance under the floor
		floor := thresholdAlert(balance, s.cfg)
		var keep []enums.FundingAlertType
		if floor != "" {
			keep = append(keep, floor)
		}
		resolved, err := s.repo.ResolveOpen(ctx, systemResolver, s.now(), keep...)
		if err != nil {
			return nil, multierr.Append(releaseErr, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve funding alerts"))
		}
		result.ResolvedAlerts = resolved
		if floor == "" {
			return result, releaseErr
		}
		snapshot.OrdersWaiting = 0
		if top := floorTopUp(balance, s.cfg); top > snapshot.RecommendedTopUpCents {
			snapshot.RecommendedTopUpCents = top
		}
		if err := s.alert(ctx, result, floor, snapshot, trigger, "vendor balance below threshold"); err != nil {
			return nil, multierr.Append(releaseErr, err)
		}
		return result, releaseErr
	}

	alertType := classify(balance, pending.AwaitingFunds, s.cfg)
	if err := s.alert(ctx, result, alertType, snapshot, trigger, "vendor balance below pending order value"); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) alert(ctx context.Context, result *CheckResult, alertType enums.FundingAlertType, snapshot Snapshot, trigger, msg string) error {
	alert, raised, err := s.raise(ctx, alertType, snapshot, trigger)
	if err != nil {
		return err
	}
	result.Alert = alert
	result.AlertRaised = raised
	if raised && s.logg != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"alert_type":         string(alertType),
			"balance_cents":      snapshot.BalanceCents,
			"pending_cents":      snapshot.PendingCents,
			"recommended_top_up": snapshot.RecommendedTopUpCents,
		}), msg)
	}
	return nil
}

func (s *Service) releaseAwaiting(ctx context.Context) (int, error) {
	noVendor := false
	parked, err := s.orders.List(ctx, orders.ListFilter{
		Statuses:       []enums.OrderStatus{enums.OrderStatusAwaitingFunds},
		HasVendorOrder: &noVendor,
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list awaiting orders")
	}
	var (
		released int
		errs     error
	)
	for _, order := range parked {
		res, err := s.dispatcher.Dispatch(ctx, order.ID, TriggerFunding)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res.Outcome == fulfillment.OutcomeSubmitted {
			released++
		}
	}
	return released, errs
}

func (s *Service) raise(ctx context.Context, alertType enums.FundingAlertType, snapshot Snapshot, trigger string) (*models.FundingAlert, bool, error) {
	var (
		alert  *models.FundingAlert
		raised bool
	)
	since := s.now().Add(-s.cfg.AlertCooldown)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindOpenSince(ctx, alertType, since)
		if err == nil {
			if err := repo.RefreshSnapshot(ctx, existing.ID, snapshot); err != nil {
				return err
			}
			existing.VendorBalanceCents = snapshot.BalanceCents
			existing.PendingValueCents = snapshot.PendingCents
			existing.RecommendedTopUpCents = snapshot.RecommendedTopUpCents
			existing.OrdersWaiting = snapshot.OrdersWaiting
			alert = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		details, err := json.Marshal(map[string]any{"trigger": trigger})
		if err != nil {
			return err
		}
		alert = &models.FundingAlert{
			AlertType:             alertType,
			VendorBalanceCents:    snapshot.BalanceCents,
			PendingValueCents:     snapshot.PendingCents,
			RecommendedTopUpCents: snapshot.RecommendedTopUpCents,
			OrdersWaiting:         snapshot.OrdersWaiting,
			Details:               datatypes.JSON(details),
			CreatedAt:             s.now(),
		}
		if err := repo.Create(ctx, alert); err != nil {
			return err
		}
		raised = true
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventFundingAlertRaised,
			AggregateType: enums.AggregateFundingAlert,
			AggregateID:   alert.ID,
			Actor:         &outbox.ActorRef{Kind: "funding"},
			Data: payloads.FundingAlertRaisedEvent{
				AlertID:               alert.ID,
				AlertType:             alertType,
				VendorBalanceCents:    snapshot.BalanceCents,
				PendingValueCents:     snapshot.PendingCents,
				RecommendedTopUpCents: snapshot.RecommendedTopUpCents,
				OrdersWaiting:         snapshot.OrdersWaiting,
			},
		})
	})
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record funding alert")
	}
	return alert, raised, nil
}

// ResolveAlert closes an alert. Resolving an already resolved alert returns it
// unchanged.
func (s *Service) ResolveAlert(ctx context.Context, alertID uuid.UUID, actor string) (*models.FundingAlert, error) {
	if actor == "" {
		actor = "admin"
	}
	if _, err := s.repo.Resolve(ctx, alertID, actor, s.now()); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve funding alert")
	}
	alert, err := s.repo.FindByID(ctx, alertID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "funding alert not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load funding alert")
	}
	return alert, nil
}

// Summary reports the funding picture for the admin status view. A vendor
// outage degrades the summary instead of failing it.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	pending, err := s.orders.PendingDispatchValue(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum pending orders")
	}
	alerts, err := s.repo.ListOpen(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list funding alerts")
	}
	summary := &Summary{
		PendingCents:  pending.Cents,
		PendingOrders: pending.Orders,
		AwaitingFunds: pending.AwaitingFunds,
		OpenAlerts:    alerts,
	}
	balance, err := s.balance.Balance(ctx)
	if err != nil {
		if s.logg != nil {
			s.logg.Error(ctx, "vendor balance unavailable for summary", err)
		}
		return summary, nil
	}
	summary.BalanceCents = balance
	summary.BalanceAvailable = true
	summary.Sufficient = balance >= pending.Cents
	return summary, nil
}

// RecommendedTopUp is the larger of the raw shortfall and the buffered
// target, rounded up to whole currency units.
func RecommendedTopUp(balanceCents, pendingCents int64, cfg config.FundingConfig) int64 {
	shortfall := decimal.NewFromInt(pendingCents - balanceCents)
	target := decimal.NewFromInt(pendingCents).
		Mul(decimal.NewFromFloat(cfg.TopUpMultiplier)).
		Add(decimal.NewFromInt(cfg.TopUpBufferCents)).
		Sub(decimal.NewFromInt(balanceCents))
	amount := decimal.Max(shortfall, target)
	if amount.IsNegative() {
		return 0
	}
	return amount.Div(decimal.NewFromInt(100)).Ceil().Mul(decimal.NewFromInt(100)).IntPart()
}

// classify picks the alert type for a shortfall. Waiting orders outrank
// balance readings.
func classify(balanceCents, awaiting int64, cfg config.FundingConfig) enums.FundingAlertType {
	if awaiting > 0 {
		return enums.FundingAlertPendingOrdersWaiting
	}
	if floor := thresholdAlert(balanceCents, cfg); floor != "" {
		return floor
	}
	return enums.FundingAlertLowBalance
}

// thresholdAlert reports which balance floor is breached, empty when none.
func thresholdAlert(balanceCents int64, cfg config.FundingConfig) enums.FundingAlertType {
	switch {
	case balanceCents < cfg.CriticalThresholdCents:
		return enums.FundingAlertCriticalBalance
	case balanceCents < cfg.LowThresholdCents:
		return enums.FundingAlertLowBalance
	default:
		return ""
	}
}

// floorTopUp is what brings the balance back to the low threshold, rounded
// up to whole currency units.
func floorTopUp(balanceCents int64, cfg config.FundingConfig) int64 {
	gap := decimal.NewFromInt(cfg.LowThresholdCents - balanceCents)
	if !gap.IsPositive() {
		return 0
	}
	return gap.Div(decimal.NewFromInt(100)).Ceil().Mul(decimal.NewFromInt(100)).IntPart()
}
