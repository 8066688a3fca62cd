package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/internal/admin"
	"github.com/angelmondragon/giftpipe-backend/internal/autogift"
	"github.com/angelmondragon/giftpipe-backend/internal/funding"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/internal/recovery"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
)

type stubService struct {
	limit     int
	lookback  time.Duration
	date      *time.Time
	cancelled []string
	actor     string
	dateErr   error
}

func (s *stubService) Status(context.Context) (*admin.Status, error) {
	return &admin.Status{Orders: map[enums.OrderStatus]int64{enums.OrderStatusProcessing: 3}}, nil
}

func (s *stubService) TriggerProcessing(_ context.Context, limit int) (*admin.ProcessResult, error) {
	s.limit = limit
	return &admin.ProcessResult{Submitted: 1}, nil
}

func (s *stubService) CheckFunding(context.Context) (*funding.CheckResult, error) {
	return &funding.CheckResult{Sufficient: true}, nil
}

func (s *stubService) ResolveAlert(_ context.Context, id uuid.UUID, actor string) (*models.FundingAlert, error) {
	s.actor = actor
	return &models.FundingAlert{ID: id}, nil
}

func (s *stubService) UpdateScheduledDate(_ context.Context, id uuid.UUID, date *time.Time, actor string) (*models.Order, error) {
	s.date = date
	s.actor = actor
	if s.dateErr != nil {
		return nil, s.dateErr
	}
	return &models.Order{ID: id, ScheduledDeliveryDate: date}, nil
}

func (s *stubService) ReconcileMissed(_ context.Context, lookback time.Duration) (*reconciliation.BatchResult, error) {
	s.lookback = lookback
	return &reconciliation.BatchResult{}, nil
}

func (s *stubService) RetryOrder(_ context.Context, id uuid.UUID) (*recovery.Attempt, error) {
	return &recovery.Attempt{OrderID: id, Outcome: enums.RecoveryOutcomeSucceeded}, nil
}

func (s *stubService) FixStuck(context.Context) (*recovery.SweepResult, error) {
	return &recovery.SweepResult{Trigger: enums.RecoveryTriggerFixAll}, nil
}

func (s *stubService) Sweep(context.Context) (*recovery.SweepResult, error) {
	return &recovery.SweepResult{Trigger: enums.RecoveryTriggerSweep}, nil
}

func (s *stubService) CancelOrder(_ context.Context, id uuid.UUID, reason, actor string) (*admin.CancelResult, error) {
	s.cancelled = append(s.cancelled, reason)
	s.actor = actor
	return &admin.CancelResult{Order: &models.Order{ID: id, Status: enums.OrderStatusCancelled}, Cancelled: true}, nil
}

func (s *stubService) SyncOrder(_ context.Context, id uuid.UUID) (*orders.TimelineResult, error) {
	return &orders.TimelineResult{Order: &models.Order{ID: id}, Added: 2}, nil
}

func (s *stubService) OrderDetail(_ context.Context, id uuid.UUID) (*admin.OrderDetail, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (s *stubService) RunAutoGifts(context.Context) (*autogift.RunResult, error) {
	return &autogift.RunResult{Created: 1}, nil
}

func newRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/status", Status(svc, nil))
	r.Post("/process", TriggerProcessing(svc, nil))
	r.Post("/alerts/{alertId}/resolve", ResolveAlert(svc, nil))
	r.Post("/orders/reconcile-missed", ReconcileMissed(svc, nil))
	r.Post("/orders/{orderId}/scheduled-date", UpdateScheduledDate(svc, nil))
	r.Post("/orders/{orderId}/cancel", CancelOrder(svc, nil))
	r.Post("/orders/{orderId}/sync", SyncOrder(svc, nil))
	r.Get("/orders/{orderId}", OrderDetail(svc, nil))
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req = req.WithContext(middleware.WithUserID(req.Context(), "ops-7"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProcessAndReconcileQueryBounds(t *testing.T) {
	svc := &stubService{}
	h := newRouter(svc)

	rec := serve(h, http.MethodPost, "/process?limit=25", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 25, svc.limit)

	rec = serve(h, http.MethodPost, "/process?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/orders/reconcile-missed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24*time.Hour, svc.lookback)

	rec = serve(h, http.MethodPost, "/orders/reconcile-missed?lookback_hours=200", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateScheduledDateParsesAndClears(t *testing.T) {
	svc := &stubService{}
	h := newRouter(svc)
	path := "/orders/" + uuid.NewString() + "/scheduled-date"

	rec := serve(h, http.MethodPost, path, `{"scheduled_delivery_date":"2026-07-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.date)
	assert.Equal(t, "2026-07-01", svc.date.Format("2006-01-02"))
	assert.Equal(t, "ops-7", svc.actor)

	rec = serve(h, http.MethodPost, path, `{"scheduled_delivery_date":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.date)

	rec = serve(h, http.MethodPost, path, `{"scheduled_delivery_date":"July 1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.dateErr = pkgerrors.New(pkgerrors.CodeStateConflict, "order was already submitted to the vendor")
	rec = serve(h, http.MethodPost, path, `{"scheduled_delivery_date":"2026-07-02"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelOrderWithAndWithoutBody(t *testing.T) {
	svc := &stubService{}
	h := newRouter(svc)
	path := "/orders/" + uuid.NewString() + "/cancel"

	rec := serve(h, http.MethodPost, path, `{"reason":"  duplicate order  "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = serve(h, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []string{"duplicate order", ""}, svc.cancelled)
	assert.Equal(t, "ops-7", svc.actor)
}

func TestOrderRoutesRejectBadIDsAndMapErrors(t *testing.T) {
	h := newRouter(&stubService{})

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/orders/nope/sync", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/orders/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/orders/"+uuid.NewString()+"/sync", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/alerts/"+uuid.NewString()+"/resolve", "").Code)
}
