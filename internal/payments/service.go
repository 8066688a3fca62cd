package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/money"
	stripeclient "github.com/angelmondragon/giftpipe-backend/pkg/stripe"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

type orderLedger interface {
	CreatePending(ctx context.Context, input orders.CreatePendingInput) (*orders.Result, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	MarkCaptured(ctx context.Context, orderID uuid.UUID) error
	MarkRefunded(ctx context.Context, orderID uuid.UUID) error
}

// CreateIntentInput is a checkout submission. Amount is interpreted through
// AmountUnit; leave the unit empty only for legacy callers.
type CreateIntentInput struct {
	Amount                decimal.Decimal
	AmountUnit            enums.AmountUnit
	Currency              string
	Items                 types.CartItems
	Shipping              *types.ShippingAddress
	ScheduledDeliveryDate *time.Time
	Gift                  *types.GiftOptions
	PaymentMethodID       string
	StripeCustomerID      string
	UserID                *uuid.UUID
	Email                 string
	Name                  string
	AutoGiftRuleID        *uuid.UUID
	AutoGiftExecutionID   *uuid.UUID
	GroupGiftID           *string
	IdempotencyKey        string
}

type CreateIntentResult struct {
	ClientSecret    string              `json:"client_secret,omitempty"`
	PaymentIntentID string              `json:"payment_intent_id"`
	Status          string              `json:"status"`
	CaptureMethod   enums.CaptureMethod `json:"capture_method"`
	AmountCents     int64               `json:"amount_cents"`
	Currency        enums.Currency      `json:"currency"`
	OrderID         uuid.UUID           `json:"order_id"`
	OrderNumber     string              `json:"order_number"`
	AmountInferred  bool                `json:"amount_inferred"`
}

// Outcome classifies a processor-side payment state.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeAuthorized Outcome = "authorized"
	OutcomeFailed     Outcome = "failed"
	OutcomePending    Outcome = "pending"
)

// Verification is what the processor reports for an intent right now.
type Verification struct {
	PaymentIntentID  string
	Outcome          Outcome
	ProcessorStatus  string
	AmountCents      int64
	Currency         enums.Currency
	StripeCustomerID string
	Billing          *types.BillingSnapshot
	FailureReason    string
	Metadata         map[string]string
}

// PaymentStatus maps a verified outcome onto the ledger's payment status.
func (v *Verification) PaymentStatus() enums.PaymentStatus {
	switch v.Outcome {
	case OutcomeSucceeded:
		return enums.PaymentStatusSucceeded
	case OutcomeAuthorized:
		return enums.PaymentStatusAuthorized
	case OutcomeFailed:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusUnpaid
	}
}

// ReleaseAction reports what ReleaseOrRefund did.
type ReleaseAction string

const (
	ReleaseVoided   ReleaseAction = "voided"
	ReleaseRefunded ReleaseAction = "refunded"
	ReleaseNone     ReleaseAction = "none"
)

type ServiceParams struct {
	Gateway stripeclient.Gateway
	Orders  orderLedger
	Logger  *logger.Logger
	Clock   func() time.Time
}

type Service struct {
	gateway stripeclient.Gateway
	orders  orderLedger
	logg    *logger.Logger
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe gateway required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		gateway: params.Gateway,
		orders:  params.Orders,
		logg:    params.Logger,
		now:     clock,
	}, nil
}

// CreatePaymentIntent normalizes the amount, resolves the customer, creates
// the processor intent and stages the pending order keyed by its id.
func (s *Service) CreatePaymentIntent(ctx context.Context, input CreateIntentInput) (*CreateIntentResult, error) {
	email := strings.TrimSpace(input.Email)
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	currency, err := enums.ParseCurrency(input.Currency)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported currency")
	}
	normalized, err := money.Normalize(input.Amount, input.AmountUnit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}
	if normalized.Cents < money.MinimumChargeCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount is below the minimum charge")
	}
	if normalized.Inferred && s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"amount":        input.Amount.String(),
			"inferred_unit": normalized.Unit,
			"amount_cents":  normalized.Cents,
		})
		s.logg.Warn(logCtx, "amount unit inferred from magnitude")
	}

	now := s.now()
	capture := enums.CaptureMethodAutomatic
	var scheduled *time.Time
	if input.ScheduledDeliveryDate != nil {
		day := truncateDay(*input.ScheduledDeliveryDate)
		scheduled = &day
		if day.After(truncateDay(now)) {
			capture = enums.CaptureMethodManual
		}
	}

	customerID, err := s.resolveCustomer(ctx, input)
	if err != nil {
		return nil, err
	}

	summary := MetadataSummary{
		Email:         email,
		Items:         input.Items,
		ScheduledDate: scheduled,
		Shipping:      input.Shipping,
	}
	if input.UserID != nil {
		summary.UserID = input.UserID.String()
	}
	if input.AutoGiftRuleID != nil {
		summary.AutoGiftRule = input.AutoGiftRuleID.String()
	}
	if input.AutoGiftExecutionID != nil {
		summary.AutoGiftExec = input.AutoGiftExecutionID.String()
	}
	if input.GroupGiftID != nil {
		summary.GroupGift = *input.GroupGiftID
	}
	if input.Gift != nil {
		summary.GiftMessage = input.Gift.Message
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(normalized.Cents),
		Currency:      stripe.String(currency.Lower()),
		Customer:      stripe.String(customerID),
		CaptureMethod: stripe.String(string(capture)),
		ReceiptEmail:  stripe.String(email),
	}
	for k, v := range EncodeMetadata(summary) {
		params.AddMetadata(k, v)
	}
	if pm := strings.TrimSpace(input.PaymentMethodID); pm != "" {
		params.PaymentMethod = stripe.String(pm)
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, mapStripeError(err, "create payment intent")
	}
	if intent.Status == stripe.PaymentIntentStatusCanceled {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment intent was released; retry with a new idempotency key").
			WithDetails(map[string]any{"payment_intent_id": intent.ID})
	}

	stripeCustomer := customerID
	pending, err := s.orders.CreatePending(ctx, orders.CreatePendingInput{
		PaymentIntentID: intent.ID,
		Draft: orders.Draft{
			UserID:                input.UserID,
			CustomerEmail:         email,
			StripeCustomerID:      &stripeCustomer,
			AmountCents:           normalized.Cents,
			Currency:              currency,
			CaptureMethod:         capture,
			Items:                 input.Items,
			Shipping:              input.Shipping,
			Gift:                  input.Gift,
			ScheduledDeliveryDate: scheduled,
			AutoGiftRuleID:        input.AutoGiftRuleID,
			AutoGiftExecutionID:   input.AutoGiftExecutionID,
			GroupGiftID:           input.GroupGiftID,
		},
	})
	if err != nil {
		return nil, s.abandonIntent(ctx, intent.ID, err)
	}

	return &CreateIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		CaptureMethod:   capture,
		AmountCents:     normalized.Cents,
		Currency:        currency,
		OrderID:         pending.Order.ID,
		OrderNumber:     pending.Order.OrderNumber,
		AmountInferred:  normalized.Inferred,
	}, nil
}

// abandonIntent releases an intent whose order could not be staged so no
// charge exists without a ledger row. The cause is always returned.
func (s *Service) abandonIntent(ctx context.Context, intentID string, cause error) error {
	action, err := s.ReleaseOrRefund(context.WithoutCancel(ctx), intentID)
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"payment_intent_id": intentID, "action": action})
		if err != nil {
			s.logg.Error(logCtx, "orphaned payment intent could not be released", err)
		} else {
			s.logg.Warn(logCtx, "payment intent released after order staging failed")
		}
	}
	if err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}

func (s *Service) resolveCustomer(ctx context.Context, input CreateIntentInput) (string, error) {
	if id := strings.TrimSpace(input.StripeCustomerID); id != "" {
		return id, nil
	}
	email := strings.TrimSpace(input.Email)
	existing, err := s.gateway.FindCustomerByEmail(ctx, email)
	if err != nil {
		return "", mapStripeError(err, "lookup customer")
	}
	if existing != nil {
		return existing.ID, nil
	}
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	if name := strings.TrimSpace(input.Name); name != "" {
		params.Name = stripe.String(name)
	}
	if input.UserID != nil {
		params.AddMetadata(MetaUserID, input.UserID.String())
	}
	created, err := s.gateway.CreateCustomer(ctx, params)
	if err != nil {
		return "", mapStripeError(err, "create customer")
	}
	return created.ID, nil
}

// VerifyPayment re-queries the processor for the intent's current state.
func (s *Service) VerifyPayment(ctx context.Context, intentID string) (*Verification, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	intent, err := s.gateway.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, mapStripeError(err, "retrieve payment intent")
	}
	return VerificationFromIntent(intent), nil
}

// VerificationFromIntent classifies an intent returned by the processor.
func VerificationFromIntent(intent *stripe.PaymentIntent) *Verification {
	v := &Verification{
		PaymentIntentID: intent.ID,
		ProcessorStatus: string(intent.Status),
		AmountCents:     intent.Amount,
		Currency:        enums.Currency(strings.ToUpper(string(intent.Currency))),
		Metadata:        intent.Metadata,
		Billing:         BillingFromCharge(intent.LatestCharge),
	}
	if intent.Customer != nil {
		v.StripeCustomerID = intent.Customer.ID
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		v.Outcome = OutcomeSucceeded
	case stripe.PaymentIntentStatusRequiresCapture:
		v.Outcome = OutcomeAuthorized
	case stripe.PaymentIntentStatusCanceled:
		v.Outcome = OutcomeFailed
		v.FailureReason = "payment intent canceled"
		if intent.CancellationReason != "" {
			v.FailureReason += ": " + string(intent.CancellationReason)
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			v.Outcome = OutcomeFailed
			v.FailureReason = intent.LastPaymentError.Msg
		} else {
			v.Outcome = OutcomePending
		}
	default:
		v.Outcome = OutcomePending
	}
	if v.Billing != nil && v.Billing.Email == "" {
		v.Billing.Email = intent.ReceiptEmail
	}
	return v
}

// BillingFromCharge copies cardholder details from an expanded charge.
func BillingFromCharge(charge *stripe.Charge) *types.BillingSnapshot {
	if charge == nil || charge.ID == "" {
		return nil
	}
	snapshot := &types.BillingSnapshot{}
	if details := charge.BillingDetails; details != nil {
		snapshot.Name = details.Name
		snapshot.Email = details.Email
		snapshot.Phone = details.Phone
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
	}
	if pm := charge.PaymentMethodDetails; pm != nil && pm.Card != nil {
		snapshot.CardBrand = string(pm.Card.Brand)
		snapshot.CardLast4 = pm.Card.Last4
	}
	return snapshot
}

// CapturePayment captures an authorized intent and records it on the order.
// Capturing an already captured intent is a no-op.
func (s *Service) CapturePayment(ctx context.Context, intentID string) (*Verification, error) {
	intent, err := s.gateway.CapturePaymentIntent(ctx, intentID)
	if err != nil {
		var stripeErr *stripe.Error
		if !errors.As(err, &stripeErr) || stripeErr.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil, mapStripeError(err, "capture payment intent")
		}
		intent, err = s.gateway.GetPaymentIntent(ctx, intentID)
		if err != nil {
			return nil, mapStripeError(err, "retrieve payment intent")
		}
	}
	verification := VerificationFromIntent(intent)
	if verification.Outcome != OutcomeSucceeded {
		return verification, pkgerrors.New(pkgerrors.CodeUnverified, fmt.Sprintf("capture left intent in %s", verification.ProcessorStatus))
	}
	if order, err := s.orders.GetByPaymentIntent(ctx, intentID); err == nil && order.PaymentStatus == enums.PaymentStatusAuthorized {
		if err := s.orders.MarkCaptured(ctx, order.ID); err != nil {
			return verification, err
		}
	}
	return verification, nil
}

// ReleaseOrRefund voids an uncaptured intent or refunds a captured one.
func (s *Service) ReleaseOrRefund(ctx context.Context, intentID string) (ReleaseAction, error) {
	intent, err := s.gateway.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return ReleaseNone, mapStripeError(err, "retrieve payment intent")
	}

	action := ReleaseNone
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
		params.SetIdempotencyKey("refund:" + intentID)
		if _, err := s.gateway.CreateRefund(ctx, params); err != nil {
			return ReleaseNone, mapStripeError(err, "refund payment")
		}
		action = ReleaseRefunded
	case stripe.PaymentIntentStatusCanceled:
	default:
		if _, err := s.gateway.CancelPaymentIntent(ctx, intentID, string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)); err != nil {
			return ReleaseNone, mapStripeError(err, "cancel payment intent")
		}
		action = ReleaseVoided
	}

	if order, err := s.orders.GetByPaymentIntent(ctx, intentID); err == nil && orders.IsPaid(order.PaymentStatus) {
		if err := s.orders.MarkRefunded(ctx, order.ID); err != nil {
			return action, err
		}
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"payment_intent_id": intentID, "action": action})
		s.logg.Info(logCtx, "payment released")
	}
	return action, nil
}

// OnOrderCancelled releases the payment of a cancelled order.
func (s *Service) OnOrderCancelled(ctx context.Context, order *models.Order) error {
	if order == nil || order.PaymentIntentID == nil || order.PaymentStatus == enums.PaymentStatusRefunded {
		return nil
	}
	_, err := s.ReleaseOrRefund(ctx, *order.PaymentIntentID)
	return err
}

func mapStripeError(err error, action string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment method declined").
				WithDetails(map[string]any{"decline_code": stripeErr.DeclineCode, "message": stripeErr.Msg})
		case stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return pkgerrors.Wrap(pkgerrors.CodeUnverified, err, action+": not found at processor")
		case stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429:
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, action+": "+stripeErr.Msg)
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
