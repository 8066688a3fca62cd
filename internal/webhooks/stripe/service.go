package stripewebhook

import (
	"context"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
)

type reconciler interface {
	ConfirmIntent(ctx context.Context, intentID, source string) (*orders.Result, error)
	ReconcileSession(ctx context.Context, sessionID string) (*reconciliation.SessionResult, error)
}

type orderLedger interface {
	GetByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	MarkRefunded(ctx context.Context, orderID uuid.UUID) error
}

type ServiceParams struct {
	Reconciler reconciler
	Orders     orderLedger
	Logger     *logger.Logger
	Metrics    *metrics.PipelineMetrics
}

// Service applies verified Stripe events to the order ledger. Event payloads
// only say which object changed; payment state is always re-read from the
// processor before the ledger moves.
type Service struct {
	reconciler reconciler
	orders     orderLedger
	logg       *logger.Logger
	metrics    *metrics.PipelineMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	return &Service{
		reconciler: params.Reconciler,
		orders:     params.Orders,
		logg:       params.Logger,
		metrics:    params.Metrics,
	}, nil
}

// HandleEvent returns an error only when the event should be redelivered.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	decoded, err := Decode(event)
	if err != nil {
		return err
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": string(event.Type)})
	}

	err = s.dispatch(ctx, decoded)
	result := "processed"
	if err != nil {
		result = "error"
	}
	s.metrics.IncWebhook("stripe", string(event.Type), result)
	return err
}

func (s *Service) dispatch(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case PaymentSucceeded:
		return s.applyIntent(ctx, ev.Intent.ID)
	case PaymentAuthorized:
		return s.applyIntent(ctx, ev.Intent.ID)
	case PaymentFailed:
		return s.applyIntent(ctx, ev.Intent.ID)
	case CheckoutCompleted:
		if ev.Session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			s.info(ctx, "checkout session completed without payment; waiting for async result")
			return nil
		}
		_, err := s.reconciler.ReconcileSession(ctx, ev.Session.ID)
		return s.tolerate(ctx, err)
	case CheckoutFailed:
		if ev.Session.PaymentIntent == nil || ev.Session.PaymentIntent.ID == "" {
			return nil
		}
		return s.applyIntent(ctx, ev.Session.PaymentIntent.ID)
	case ChargeRefunded:
		return s.applyRefund(ctx, ev.Charge)
	case UnknownEvent:
		return nil
	default:
		return nil
	}
}

func (s *Service) applyIntent(ctx context.Context, intentID string) error {
	_, err := s.reconciler.ConfirmIntent(ctx, intentID, reconciliation.SourceWebhook)
	return s.tolerate(ctx, err)
}

func (s *Service) applyRefund(ctx context.Context, charge *stripe.Charge) error {
	if charge == nil || charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return nil
	}
	if !charge.Refunded {
		s.info(ctx, "partial refund recorded at processor only")
		return nil
	}
	order, err := s.orders.GetByPaymentIntent(ctx, charge.PaymentIntent.ID)
	if err != nil {
		return s.tolerate(ctx, err)
	}
	return s.orders.MarkRefunded(ctx, order.ID)
}

// tolerate acknowledges outcomes that a redelivery cannot change. Missing
// orders are picked up by reconciliation, unverified payments by recovery.
func (s *Service) tolerate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch pkgerrors.As(err).Code() {
	case pkgerrors.CodeNotFound, pkgerrors.CodeUnverified, pkgerrors.CodeStateConflict:
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "stripe event acknowledged without ledger change")
		}
		return nil
	}
	return err
}

func (s *Service) info(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
}
