package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/api/validators"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

const maxSessionIDLength = 255

type PaymentIntentCreator interface {
	CreatePaymentIntent(ctx context.Context, input payments.CreateIntentInput) (*payments.CreateIntentResult, error)
}

type SessionReconciler interface {
	ReconcileSession(ctx context.Context, sessionID string) (*reconciliation.SessionResult, error)
}

// CreatePaymentIntent stages a checkout and returns the client secret the
// browser confirms the payment with.
func CreatePaymentIntent(svc PaymentIntentCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var payload paymentIntentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CreatePaymentIntent(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// ReconcileCheckoutSession creates or returns the order for a paid checkout
// session. The confirmation page calls it so an order exists even when the
// processor webhook is late.
func ReconcileCheckoutSession(svc SessionReconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation service unavailable"))
			return
		}
		sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
		if sessionID == "" || len(sessionID) > maxSessionIDLength {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid checkout session id"))
			return
		}

		result, err := svc.ReconcileSession(r.Context(), sessionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

type paymentIntentRequest struct {
	Amount                decimal.Decimal        `json:"amount" validate:"required"`
	AmountUnit            string                 `json:"amount_unit,omitempty" validate:"omitempty,oneof=major minor"`
	Currency              string                 `json:"currency,omitempty" validate:"omitempty,len=3"`
	Items                 []cartItemRequest      `json:"items" validate:"required,min=1,dive"`
	Shipping              *types.ShippingAddress `json:"shipping,omitempty"`
	ScheduledDeliveryDate string                 `json:"scheduled_delivery_date,omitempty"`
	Gift                  *types.GiftOptions     `json:"gift,omitempty"`
	PaymentMethodID       string                 `json:"payment_method_id,omitempty" validate:"omitempty,max=255"`
	Name                  string                 `json:"name,omitempty" validate:"omitempty,max=200"`
	GroupGiftID           string                 `json:"group_gift_id,omitempty" validate:"omitempty,max=64"`
}

type cartItemRequest struct {
	ProductID       string `json:"product_id" validate:"required,max=128"`
	VendorProductID string `json:"vendor_product_id" validate:"required,max=128"`
	Name            string `json:"name" validate:"required,max=255"`
	Quantity        int    `json:"quantity" validate:"required,min=1,max=100"`
	UnitPriceCents  int64  `json:"unit_price_cents" validate:"min=0"`
}

func (p paymentIntentRequest) toInput(r *http.Request) (payments.CreateIntentInput, error) {
	input := payments.CreateIntentInput{
		Amount:          p.Amount,
		AmountUnit:      enums.AmountUnit(p.AmountUnit),
		Currency:        p.Currency,
		Shipping:        p.Shipping,
		Gift:            p.Gift,
		PaymentMethodID: strings.TrimSpace(p.PaymentMethodID),
		Email:           middleware.EmailFromContext(r.Context()),
		Name:            validators.SanitizeString(p.Name, 200),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	for _, item := range p.Items {
		input.Items = append(input.Items, types.CartItem{
			ProductID:       item.ProductID,
			VendorProductID: item.VendorProductID,
			Name:            validators.SanitizeString(item.Name, 255),
			Quantity:        item.Quantity,
			UnitPriceCents:  item.UnitPriceCents,
		})
	}
	if raw := strings.TrimSpace(p.ScheduledDeliveryDate); raw != "" {
		date, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return input, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "scheduled_delivery_date must be YYYY-MM-DD")
		}
		input.ScheduledDeliveryDate = &date
	}
	if p.GroupGiftID != "" {
		group := p.GroupGiftID
		input.GroupGiftID = &group
	}
	if raw := middleware.UserIDFromContext(r.Context()); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return input, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid user id")
		}
		input.UserID = &userID
	}
	return input, nil
}
