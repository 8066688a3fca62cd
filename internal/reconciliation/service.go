package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	stripeclient "github.com/angelmondragon/giftpipe-backend/pkg/stripe"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

const (
	SourceWebhook        = "webhook"
	SourceReconciliation = "reconciliation"
	SourceRecovery       = "recovery"

	defaultRecentLimit = 100
)

type orderLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	GetByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, input orders.ConfirmPaymentInput) (*orders.Result, error)
	MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) (*orders.Result, error)
	MarkVerificationFailed(ctx context.Context, orderID uuid.UUID, reason string) (*orders.Result, error)
}

type paymentVerifier interface {
	VerifyPayment(ctx context.Context, intentID string) (*payments.Verification, error)
}

// SessionResult is returned to the checkout confirmation page.
type SessionResult struct {
	OrderID       uuid.UUID            `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	Created       bool                 `json:"created"`
	Status        enums.OrderStatus    `json:"status"`
	PaymentStatus string               `json:"payment_status"`
	Warnings      []types.OrderWarning `json:"warnings,omitempty"`
}

// VerifyResult reports a processor re-check of one order.
type VerifyResult struct {
	Order   *models.Order    `json:"-"`
	Outcome payments.Outcome `json:"outcome"`
	Changed bool             `json:"changed"`
}

// BatchResult summarises a missed-order sweep.
type BatchResult struct {
	Checked  int      `json:"checked"`
	Created  int      `json:"created"`
	Existing int      `json:"existing"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

type ServiceParams struct {
	Gateway  stripeclient.Gateway
	Orders   orderLedger
	Payments paymentVerifier
	Logger   *logger.Logger
}

// Service rebuilds orders from processor state when webhooks are late or
// lost. It never trusts client input: every confirmation is re-read from the
// processor.
type Service struct {
	gateway  stripeclient.Gateway
	orders   orderLedger
	payments paymentVerifier
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe gateway required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	}
	return &Service{
		gateway:  params.Gateway,
		orders:   params.Orders,
		payments: params.Payments,
		logg:     params.Logger,
	}, nil
}

// ReconcileSession guarantees an order exists for a paid checkout session.
func (s *Service) ReconcileSession(ctx context.Context, sessionID string) (*SessionResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id required")
	}
	if existing, err := s.orders.GetByCheckoutSession(ctx, sessionID); err == nil {
		return sessionResult(existing, false), nil
	} else if !isNotFound(err) {
		return nil, err
	}

	session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, mapLookupError(err, "checkout session could not be verified")
	}
	return s.reconcile(ctx, session)
}

func (s *Service) reconcile(ctx context.Context, session *stripe.CheckoutSession) (*SessionResult, error) {
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeUnverified, "checkout session is not paid").
			WithDetails(map[string]any{"payment_status": session.PaymentStatus})
	}

	input := orders.ConfirmPaymentInput{
		CheckoutSessionID: session.ID,
		PaymentStatus:     enums.PaymentStatusSucceeded,
		Source:            SourceReconciliation,
	}
	if intent := session.PaymentIntent; intent != nil {
		input.PaymentIntentID = intent.ID
		if intent.Status == stripe.PaymentIntentStatusRequiresCapture {
			input.PaymentStatus = enums.PaymentStatusAuthorized
		}
		input.Billing = payments.BillingFromCharge(intent.LatestCharge)
	}
	if session.Customer != nil {
		input.StripeCustomerID = session.Customer.ID
	}
	if input.Billing == nil {
		input.Billing = billingFromSession(session)
	}
	draft := draftFromSession(session)
	input.Fallback = &draft

	res, err := s.orders.ConfirmPayment(ctx, input)
	if err != nil {
		return nil, err
	}
	if res.Created && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, res.Order.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"checkout_session_id": session.ID,
			"warnings":            len(res.Order.Warnings),
		})
		s.logg.Warn(logCtx, "order created by reconciliation")
	}
	return sessionResult(res.Order, res.Created), nil
}

// ConfirmIntent re-reads an intent from the processor and applies it to the
// ledger. Webhook ingestion and recovery both land here.
func (s *Service) ConfirmIntent(ctx context.Context, intentID, source string) (*orders.Result, error) {
	verification, err := s.payments.VerifyPayment(ctx, intentID)
	if err != nil {
		return nil, err
	}

	existing, err := s.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	switch verification.Outcome {
	case payments.OutcomeSucceeded, payments.OutcomeAuthorized:
		if existing != nil && existing.AmountCents != verification.AmountCents {
			reason := fmt.Sprintf("amount mismatch: order %d, processor %d", existing.AmountCents, verification.AmountCents)
			if _, markErr := s.orders.MarkVerificationFailed(ctx, existing.ID, reason); markErr != nil && !isStateConflict(markErr) {
				return nil, markErr
			}
			return nil, pkgerrors.New(pkgerrors.CodeUnverified, reason)
		}
		return s.orders.ConfirmPayment(ctx, orders.ConfirmPaymentInput{
			PaymentIntentID:  intentID,
			PaymentStatus:    verification.PaymentStatus(),
			StripeCustomerID: verification.StripeCustomerID,
			Billing:          verification.Billing,
			Source:           source,
		})
	case payments.OutcomeFailed:
		if existing == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		res, err := s.orders.MarkPaymentFailed(ctx, existing.ID, verification.FailureReason)
		if isStateConflict(err) {
			return &orders.Result{Order: existing}, nil
		}
		return res, err
	default:
		return &orders.Result{Order: existing}, pkgerrors.New(pkgerrors.CodeUnverified, "payment is not complete at the processor").
			WithDetails(map[string]any{"processor_status": verification.ProcessorStatus})
	}
}

// VerifyOrderPayment re-checks a pending or unverified order against the
// processor. Transient processor errors leave the order untouched.
func (s *Service) VerifyOrderPayment(ctx context.Context, orderID uuid.UUID) (*VerifyResult, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case enums.OrderStatusPending, enums.OrderStatusPaymentVerificationFailed, enums.OrderStatusPaymentFailed:
	default:
		return &VerifyResult{Order: order, Outcome: payments.OutcomeSucceeded}, nil
	}

	if order.PaymentIntentID == nil {
		if order.CheckoutSessionID == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "order has no processor reference")
		}
		session, err := s.gateway.GetCheckoutSession(ctx, *order.CheckoutSessionID)
		if err != nil {
			return nil, mapLookupError(err, "checkout session could not be verified")
		}
		if _, err := s.reconcile(ctx, session); err != nil {
			return nil, err
		}
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{Order: current, Outcome: payments.OutcomeSucceeded, Changed: current.Status != order.Status}, nil
	}

	res, err := s.ConfirmIntent(ctx, *order.PaymentIntentID, SourceRecovery)
	if err != nil {
		typed := pkgerrors.As(err)
		if typed == nil || typed.Code() != pkgerrors.CodeUnverified {
			return nil, err
		}
		current, getErr := s.orders.Get(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == enums.OrderStatusPending && strings.Contains(typed.Message(), "not found") {
			if _, markErr := s.orders.MarkVerificationFailed(ctx, orderID, typed.Message()); markErr != nil {
				return nil, markErr
			}
			current, _ = s.orders.Get(ctx, orderID)
		}
		if current.Status == enums.OrderStatusPaymentVerificationFailed {
			return &VerifyResult{Order: current, Outcome: payments.OutcomeFailed, Changed: current.Status != order.Status}, err
		}
		return &VerifyResult{Order: current, Outcome: payments.OutcomePending}, nil
	}

	outcome := payments.OutcomeSucceeded
	switch {
	case res.Order.Status == enums.OrderStatusPaymentFailed:
		outcome = payments.OutcomeFailed
	case res.Order.PaymentStatus == enums.PaymentStatusAuthorized:
		outcome = payments.OutcomeAuthorized
	}
	return &VerifyResult{Order: res.Order, Outcome: outcome, Changed: res.Changed}, nil
}

// ReconcileRecent finds paid sessions since the given time that have no order
// and creates them. Per-session failures are collected, not fatal.
func (s *Service) ReconcileRecent(ctx context.Context, since time.Time) (*BatchResult, error) {
	sessions, err := s.gateway.ListCompletedCheckoutSessions(ctx, since, defaultRecentLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list checkout sessions")
	}

	result := &BatchResult{}
	var errs error
	for _, session := range sessions {
		result.Checked++
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			result.Skipped++
			continue
		}
		if _, err := s.orders.GetByCheckoutSession(ctx, session.ID); err == nil {
			result.Existing++
			continue
		}
		if session.PaymentIntent != nil {
			if _, err := s.orders.GetByPaymentIntent(ctx, session.PaymentIntent.ID); err == nil {
				result.Existing++
				continue
			}
		}
		full, err := s.gateway.GetCheckoutSession(ctx, session.ID)
		if err == nil {
			var res *SessionResult
			res, err = s.reconcile(ctx, full)
			if err == nil {
				if res.Created {
					result.Created++
				} else {
					result.Existing++
				}
				continue
			}
		}
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", session.ID, err))
		errs = multierr.Append(errs, err)
	}
	if errs != nil && s.logg != nil {
		s.logg.Error(ctx, "missed order reconciliation finished with failures", errs)
	}
	return result, nil
}

func draftFromSession(session *stripe.CheckoutSession) orders.Draft {
	meta := session.Metadata
	draft := orders.Draft{
		CustomerEmail:         firstNonEmpty(customerEmail(session), meta[payments.MetaEmail]),
		AmountCents:           session.AmountTotal,
		Currency:              enums.Currency(strings.ToUpper(string(session.Currency))),
		ScheduledDeliveryDate: payments.DecodeScheduledDate(meta),
	}
	if userID, err := uuid.Parse(meta[payments.MetaUserID]); err == nil {
		draft.UserID = &userID
	}
	if msg := meta[payments.MetaGiftMessage]; msg != "" {
		draft.Gift = &types.GiftOptions{Message: msg}
	}
	if session.Customer != nil && session.Customer.ID != "" {
		id := session.Customer.ID
		draft.StripeCustomerID = &id
	}
	if session.PaymentIntent != nil && session.PaymentIntent.CaptureMethod == stripe.PaymentIntentCaptureMethodManual {
		draft.CaptureMethod = enums.CaptureMethodManual
	}

	draft.Shipping = shippingFromSession(session)

	if session.LineItems != nil {
		for _, line := range session.LineItems.Data {
			if line == nil {
				continue
			}
			item := types.CartItem{
				Name:     line.Description,
				Quantity: int(line.Quantity),
			}
			if line.Price != nil {
				item.UnitPriceCents = line.Price.UnitAmount
				if line.Price.Product != nil {
					item.ProductID = line.Price.Product.ID
					item.VendorProductID = line.Price.Product.Metadata["vendor_product_id"]
				}
			}
			if item.UnitPriceCents == 0 && line.Quantity > 0 {
				item.UnitPriceCents = line.AmountTotal / line.Quantity
			}
			draft.Items = append(draft.Items, item)
		}
	}
	return draft
}

func billingFromSession(session *stripe.CheckoutSession) *types.BillingSnapshot {
	details := session.CustomerDetails
	if details == nil {
		return nil
	}
	snapshot := &types.BillingSnapshot{Name: details.Name, Email: details.Email, Phone: details.Phone}
	if addr := details.Address; addr != nil {
		snapshot.Address = &types.ShippingAddress{
			Name:       details.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		}
	}
	return snapshot
}

// shippingFromSession takes one whole address: the checkout metadata first,
// then the shipping details collected by the session. Fields are never mixed
// across sources and the billing address is never used as a recipient.
func shippingFromSession(session *stripe.CheckoutSession) *types.ShippingAddress {
	if addr := payments.DecodeShipping(session.Metadata); addr != nil {
		return addr
	}
	collected := session.CollectedInformation
	if collected == nil || collected.ShippingDetails == nil || collected.ShippingDetails.Address == nil {
		return nil
	}
	details := collected.ShippingDetails
	return &types.ShippingAddress{
		Name:       details.Name,
		Line1:      details.Address.Line1,
		Line2:      details.Address.Line2,
		City:       details.Address.City,
		State:      details.Address.State,
		PostalCode: details.Address.PostalCode,
		Country:    details.Address.Country,
	}
}

func customerEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.CustomerEmail
}

func sessionResult(order *models.Order, created bool) *SessionResult {
	return &SessionResult{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Created:       created,
		Status:        order.Status,
		PaymentStatus: orders.PaymentView(order.Status, order.PaymentStatus),
		Warnings:      order.Warnings,
	}
}

func mapLookupError(err error, message string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return pkgerrors.Wrap(pkgerrors.CodeUnverified, err, message)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "processor lookup failed")
}

func isNotFound(err error) bool {
	return err != nil && pkgerrors.As(err).Code() == pkgerrors.CodeNotFound
}

func isStateConflict(err error) bool {
	return err != nil && pkgerrors.As(err).Code() == pkgerrors.CodeStateConflict
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
