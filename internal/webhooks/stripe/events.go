package stripewebhook

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
)

// Event is the closed set of processor notifications the pipeline acts on.
type Event interface {
	isEvent()
}

type PaymentSucceeded struct{ Intent *stripe.PaymentIntent }

// PaymentAuthorized is an intent that now holds funds for manual capture.
type PaymentAuthorized struct{ Intent *stripe.PaymentIntent }

type PaymentFailed struct{ Intent *stripe.PaymentIntent }

type CheckoutCompleted struct{ Session *stripe.CheckoutSession }

type CheckoutFailed struct{ Session *stripe.CheckoutSession }

type ChargeRefunded struct{ Charge *stripe.Charge }

// UnknownEvent is acknowledged and ignored.
type UnknownEvent struct{ Type string }

func (PaymentSucceeded) isEvent()  {}
func (PaymentAuthorized) isEvent() {}
func (PaymentFailed) isEvent()     {}
func (CheckoutCompleted) isEvent() {}
func (CheckoutFailed) isEvent()    {}
func (ChargeRefunded) isEvent()    {}
func (UnknownEvent) isEvent()      {}

// Decode maps a verified processor event onto a typed variant.
func Decode(event *stripe.Event) (Event, error) {
	if event == nil || event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		intent, err := decodeIntent(event)
		if err != nil {
			return nil, err
		}
		return PaymentSucceeded{Intent: intent}, nil
	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		intent, err := decodeIntent(event)
		if err != nil {
			return nil, err
		}
		return PaymentAuthorized{Intent: intent}, nil
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		intent, err := decodeIntent(event)
		if err != nil {
			return nil, err
		}
		return PaymentFailed{Intent: intent}, nil
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := decodeSession(event)
		if err != nil {
			return nil, err
		}
		return CheckoutCompleted{Session: session}, nil
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		session, err := decodeSession(event)
		if err != nil {
			return nil, err
		}
		return CheckoutFailed{Session: session}, nil
	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
		}
		return ChargeRefunded{Charge: &charge}, nil
	default:
		return UnknownEvent{Type: string(event.Type)}, nil
	}
}

func decodeIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if intent.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	return &intent, nil
}

func decodeSession(event *stripe.Event) (*stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session event")
	}
	if session.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id missing")
	}
	return &session, nil
}
