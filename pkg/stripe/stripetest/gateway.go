// Package stripetest provides an in-memory Gateway for package tests.
package stripetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v84"

	stripeclient "github.com/angelmondragon/giftpipe-backend/pkg/stripe"
)

var _ stripeclient.Gateway = (*Gateway)(nil)

// Gateway keeps intents, sessions and customers in memory and counts calls.
type Gateway struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]*stripe.PaymentIntent
	sessions  map[string]*stripe.CheckoutSession
	customers map[string]*stripe.Customer
	failures  map[string]error

	Calls         map[string]int
	CreateParams  []*stripe.PaymentIntentParams
	CreatedIDs    []string
	RefundParams  []*stripe.RefundParams
	CancelReasons []string
}

func New() *Gateway {
	return &Gateway{
		intents:   map[string]*stripe.PaymentIntent{},
		sessions:  map[string]*stripe.CheckoutSession{},
		customers: map[string]*stripe.Customer{},
		failures:  map[string]error{},
		Calls:     map[string]int{},
	}
}

// Fail makes the named method return err until cleared with a nil err.
func (g *Gateway) Fail(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, method)
		return
	}
	g.failures[method] = err
}

func (g *Gateway) PutIntent(intent *stripe.PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intent.ID] = intent
}

func (g *Gateway) PutSession(session *stripe.CheckoutSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[session.ID] = session
}

func (g *Gateway) Intent(id string) *stripe.PaymentIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intents[id]
}

func (g *Gateway) CallCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[method]
}

// NotFound builds the error the processor returns for unknown ids.
func NotFound(id string) error {
	return &stripe.Error{
		Type:           stripe.ErrorTypeInvalidRequest,
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 404,
		Msg:            fmt.Sprintf("No such object: '%s'", id),
	}
}

// Declined builds an off-session card decline.
func Declined() error {
	return &stripe.Error{
		Type:           stripe.ErrorTypeCard,
		Code:           stripe.ErrorCodeCardDeclined,
		HTTPStatusCode: 402,
		Msg:            "Your card was declined.",
	}
}

func (g *Gateway) enter(method string) error {
	g.Calls[method]++
	return g.failures[method]
}

func (g *Gateway) CreatePaymentIntent(_ context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreatePaymentIntent"); err != nil {
		return nil, err
	}
	g.CreateParams = append(g.CreateParams, params)
	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	intent := &stripe.PaymentIntent{
		ID:           id,
		Amount:       deref(params.Amount),
		Currency:     stripe.Currency(derefString(params.Currency)),
		ClientSecret: id + "_secret",
		Metadata:     params.Metadata,
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Created:      time.Now().Unix(),
	}
	if params.CaptureMethod != nil {
		intent.CaptureMethod = stripe.PaymentIntentCaptureMethod(*params.CaptureMethod)
	}
	if params.Customer != nil {
		intent.Customer = &stripe.Customer{ID: *params.Customer}
	}
	if params.ReceiptEmail != nil {
		intent.ReceiptEmail = *params.ReceiptEmail
	}
	if params.Confirm != nil && *params.Confirm {
		intent.Status = stripe.PaymentIntentStatusSucceeded
		if intent.CaptureMethod == stripe.PaymentIntentCaptureMethodManual {
			intent.Status = stripe.PaymentIntentStatusRequiresCapture
		}
	}
	g.intents[id] = intent
	g.CreatedIDs = append(g.CreatedIDs, id)
	return intent, nil
}

func (g *Gateway) GetPaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetPaymentIntent"); err != nil {
		return nil, err
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, NotFound(id)
	}
	copied := *intent
	return &copied, nil
}

func (g *Gateway) CapturePaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CapturePaymentIntent"); err != nil {
		return nil, err
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, NotFound(id)
	}
	if intent.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, &stripe.Error{
			Type:           stripe.ErrorTypeInvalidRequest,
			Code:           stripe.ErrorCodePaymentIntentUnexpectedState,
			HTTPStatusCode: 400,
			Msg:            "This PaymentIntent could not be captured because it has a status of " + string(intent.Status),
		}
	}
	intent.Status = stripe.PaymentIntentStatusSucceeded
	copied := *intent
	return &copied, nil
}

func (g *Gateway) CancelPaymentIntent(_ context.Context, id string, reason string) (*stripe.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CancelPaymentIntent"); err != nil {
		return nil, err
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, NotFound(id)
	}
	g.CancelReasons = append(g.CancelReasons, reason)
	intent.Status = stripe.PaymentIntentStatusCanceled
	copied := *intent
	return &copied, nil
}

func (g *Gateway) CreateRefund(_ context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateRefund"); err != nil {
		return nil, err
	}
	g.RefundParams = append(g.RefundParams, params)
	return &stripe.Refund{ID: fmt.Sprintf("re_test_%d", len(g.RefundParams)), Status: stripe.RefundStatusSucceeded}, nil
}

func (g *Gateway) GetCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetCheckoutSession"); err != nil {
		return nil, err
	}
	session, ok := g.sessions[id]
	if !ok {
		return nil, NotFound(id)
	}
	return session, nil
}

func (g *Gateway) ListCompletedCheckoutSessions(_ context.Context, since time.Time, limit int) ([]*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ListCompletedCheckoutSessions"); err != nil {
		return nil, err
	}
	var out []*stripe.CheckoutSession
	for _, session := range g.sessions {
		if session.Status != stripe.CheckoutSessionStatusComplete || session.Created < since.Unix() {
			continue
		}
		out = append(out, session)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *Gateway) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("FindCustomerByEmail"); err != nil {
		return nil, err
	}
	return g.customers[email], nil
}

func (g *Gateway) CreateCustomer(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateCustomer"); err != nil {
		return nil, err
	}
	g.seq++
	email := derefString(params.Email)
	customer := &stripe.Customer{ID: fmt.Sprintf("cus_test_%d", g.seq), Email: email}
	g.customers[email] = customer
	return customer, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
