package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/internal/payments"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
)

type stubIntentCreator struct {
	input payments.CreateIntentInput
	err   error
}

func (s *stubIntentCreator) CreatePaymentIntent(_ context.Context, input payments.CreateIntentInput) (*payments.CreateIntentResult, error) {
	s.input = input
	if s.err != nil {
		return nil, s.err
	}
	return &payments.CreateIntentResult{
		ClientSecret:    "pi_1_secret",
		PaymentIntentID: "pi_1",
		AmountCents:     2500,
		Currency:        enums.CurrencyUSD,
	}, nil
}

type stubReconciler struct {
	sessions []string
	err      error
}

func (s *stubReconciler) ReconcileSession(_ context.Context, sessionID string) (*reconciliation.SessionResult, error) {
	s.sessions = append(s.sessions, sessionID)
	if s.err != nil {
		return nil, s.err
	}
	return &reconciliation.SessionResult{OrderID: uuid.New(), PaymentStatus: "succeeded", Created: true}, nil
}

func withCaller(req *http.Request, userID uuid.UUID, role enums.ActorRole) *http.Request {
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	return req.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

const intentBody = `{
	"amount": "25.00",
	"amount_unit": "major",
	"currency": "usd",
	"items": [{"product_id": "p1", "vendor_product_id": "B00X", "name": "Mug", "quantity": 1, "unit_price_cents": 2500}],
	"shipping": {"name": "Ada", "line1": "1 Main", "city": "Austin", "state": "TX", "postal_code": "78701", "country": "US"},
	"scheduled_delivery_date": "2026-12-24"
}`

func TestCreatePaymentIntentMapsRequest(t *testing.T) {
	svc := &stubIntentCreator{}
	userID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/payment-intents", strings.NewReader(intentBody))
	req.Header.Set("Idempotency-Key", "key-1")
	req = withCaller(req, userID, enums.ActorRoleCustomer)
	rec := httptest.NewRecorder()

	CreatePaymentIntent(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pi_1_secret", decodeData(t, rec)["client_secret"])
	assert.Equal(t, "25", svc.input.Amount.String())
	assert.Equal(t, enums.AmountUnitMajor, svc.input.AmountUnit)
	assert.Equal(t, "key-1", svc.input.IdempotencyKey)
	require.NotNil(t, svc.input.UserID)
	assert.Equal(t, userID, *svc.input.UserID)
	require.NotNil(t, svc.input.ScheduledDeliveryDate)
	assert.Equal(t, "2026-12-24", svc.input.ScheduledDeliveryDate.Format("2006-01-02"))
	require.Len(t, svc.input.Items, 1)
	assert.Equal(t, "B00X", svc.input.Items[0].VendorProductID)
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	cases := map[string]string{
		"missing items": `{"amount": 2500, "amount_unit": "minor", "items": []}`,
		"bad unit":      `{"amount": 2500, "amount_unit": "cents", "items": [{"product_id": "p", "vendor_product_id": "v", "name": "n", "quantity": 1}]}`,
		"bad date":      `{"amount": 2500, "items": [{"product_id": "p", "vendor_product_id": "v", "name": "n", "quantity": 1}], "scheduled_delivery_date": "12/24/2026"}`,
		"unknown field": `{"amount": 2500, "items": [], "coupon": "FREE"}`,
		"zero quantity": `{"amount": 2500, "items": [{"product_id": "p", "vendor_product_id": "v", "name": "n", "quantity": 0}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubIntentCreator{}
			req := withCaller(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New(), enums.ActorRoleCustomer)
			rec := httptest.NewRecorder()
			CreatePaymentIntent(svc, nil).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreatePaymentIntentSurfacesDecline(t *testing.T) {
	svc := &stubIntentCreator{err: pkgerrors.New(pkgerrors.CodeValidation, "your card was declined")}
	req := withCaller(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(intentBody)), uuid.New(), enums.ActorRoleCustomer)
	rec := httptest.NewRecorder()
	CreatePaymentIntent(svc, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "declined")
}

func TestReconcileCheckoutSession(t *testing.T) {
	svc := &stubReconciler{}
	router := chi.NewRouter()
	router.Post("/sessions/{sessionId}/reconcile", ReconcileCheckoutSession(svc, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/cs_test_1/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"cs_test_1"}, svc.sessions)
	assert.Equal(t, "succeeded", decodeData(t, rec)["payment_status"])

	svc.err = pkgerrors.New(pkgerrors.CodeUnverified, "checkout session is not paid")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/cs_test_2/reconcile", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

type stubOrders struct {
	order *models.Order
}

func (s *stubOrders) Get(_ context.Context, id uuid.UUID) (*models.Order, error) {
	if s.order == nil || s.order.ID != id {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return s.order, nil
}

func TestOrderStatusShowsOnlyPaymentView(t *testing.T) {
	owner := uuid.New()
	order := &models.Order{
		ID:            uuid.New(),
		UserID:        &owner,
		OrderNumber:   "GP-1",
		Status:        enums.OrderStatusAwaitingFunds,
		PaymentStatus: enums.PaymentStatusSucceeded,
		AmountCents:   2500,
	}
	router := chi.NewRouter()
	router.Get("/orders/{orderId}/status", OrderStatus(&stubOrders{order: order}, nil))
	path := "/orders/" + order.ID.String() + "/status"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodGet, path, nil), owner, enums.ActorRoleCustomer))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.Equal(t, "succeeded", data["payment_status"])
	assert.NotContains(t, rec.Body.String(), "awaiting_funds")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodGet, path, nil), uuid.New(), enums.ActorRoleCustomer))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodGet, path, nil), uuid.New(), enums.ActorRoleAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodGet, "/orders/not-a-uuid/status", nil), owner, enums.ActorRoleCustomer))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubAutoGift struct {
	owners []uuid.UUID
	err    error
}

func (s *stubAutoGift) CancelRule(_ context.Context, ruleID, ownerID uuid.UUID) (*models.AutoGiftRule, error) {
	s.owners = append(s.owners, ownerID)
	if s.err != nil {
		return nil, s.err
	}
	return &models.AutoGiftRule{ID: ruleID, Active: false}, nil
}

func (s *stubAutoGift) CancelExecution(_ context.Context, executionID, ownerID uuid.UUID) (*models.AutoGiftExecution, error) {
	s.owners = append(s.owners, ownerID)
	if s.err != nil {
		return nil, s.err
	}
	return &models.AutoGiftExecution{ID: executionID, Status: enums.AutoGiftExecutionCancelled}, nil
}

func TestAutoGiftCancelScopesToCaller(t *testing.T) {
	svc := &stubAutoGift{}
	router := chi.NewRouter()
	router.Post("/rules/{ruleId}/cancel", CancelAutoGiftRule(svc, nil))
	router.Post("/executions/{executionId}/cancel", CancelAutoGiftExecution(svc, nil))
	customer := uuid.New()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodPost, "/rules/"+uuid.NewString()+"/cancel", nil), customer, enums.ActorRoleCustomer))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decodeData(t, rec)["active"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodPost, "/executions/"+uuid.NewString()+"/cancel", nil), uuid.New(), enums.ActorRoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeData(t, rec)["status"])

	assert.Equal(t, []uuid.UUID{customer, uuid.Nil}, svc.owners)

	svc.err = pkgerrors.New(pkgerrors.CodeStateConflict, "failed executions cannot be cancelled")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCaller(httptest.NewRequest(http.MethodPost, "/executions/"+uuid.NewString()+"/cancel", nil), customer, enums.ActorRoleCustomer))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
