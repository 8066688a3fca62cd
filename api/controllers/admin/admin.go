package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/api/validators"
	"github.com/angelmondragon/giftpipe-backend/internal/admin"
	"github.com/angelmondragon/giftpipe-backend/internal/autogift"
	"github.com/angelmondragon/giftpipe-backend/internal/funding"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/internal/recovery"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

// Service is the operator action surface.
type Service interface {
	Status(ctx context.Context) (*admin.Status, error)
	TriggerProcessing(ctx context.Context, limit int) (*admin.ProcessResult, error)
	CheckFunding(ctx context.Context) (*funding.CheckResult, error)
	ResolveAlert(ctx context.Context, alertID uuid.UUID, actor string) (*models.FundingAlert, error)
	UpdateScheduledDate(ctx context.Context, orderID uuid.UUID, date *time.Time, actor string) (*models.Order, error)
	ReconcileMissed(ctx context.Context, lookback time.Duration) (*reconciliation.BatchResult, error)
	RetryOrder(ctx context.Context, orderID uuid.UUID) (*recovery.Attempt, error)
	FixStuck(ctx context.Context) (*recovery.SweepResult, error)
	Sweep(ctx context.Context) (*recovery.SweepResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason, actor string) (*admin.CancelResult, error)
	SyncOrder(ctx context.Context, orderID uuid.UUID) (*orders.TimelineResult, error)
	OrderDetail(ctx context.Context, orderID uuid.UUID) (*admin.OrderDetail, error)
	RunAutoGifts(ctx context.Context) (*autogift.RunResult, error)
}

func Status(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Status(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

// TriggerProcessing dispatches due paid orders. The optional limit query
// parameter caps the batch.
func TriggerProcessing(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 100, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.TriggerProcessing(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func CheckFunding(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.CheckFunding(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func ResolveAlert(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID, err := validators.ParseUUIDParam(r, "alertId", "alert id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		alert, err := svc.ResolveAlert(r.Context(), alertID, middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, alert)
	}
}

type scheduledDateRequest struct {
	// ScheduledDeliveryDate is YYYY-MM-DD; null clears the date.
	ScheduledDeliveryDate *string `json:"scheduled_delivery_date"`
}

func UpdateScheduledDate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload scheduledDateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var date *time.Time
		if payload.ScheduledDeliveryDate != nil && strings.TrimSpace(*payload.ScheduledDeliveryDate) != "" {
			parsed, err := time.Parse("2006-01-02", strings.TrimSpace(*payload.ScheduledDeliveryDate))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "scheduled_delivery_date must be YYYY-MM-DD"))
				return
			}
			date = &parsed
		}

		order, err := svc.UpdateScheduledDate(r.Context(), orderID, date, middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// ReconcileMissed replays recently paid checkout sessions. lookback_hours
// defaults to 24 and may not exceed a week.
func ReconcileMissed(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours, err := validators.ParseQueryInt(r, "lookback_hours", 24, 1, 168)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ReconcileMissed(r.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func RetryOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		attempt, err := svc.RetryOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, attempt)
	}
}

func FixStuck(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.FixStuck(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func Sweep(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Sweep(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

func CancelOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload cancelRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		result, err := svc.CancelOrder(r.Context(), orderID, validators.SanitizeString(payload.Reason, 500), middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func SyncOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.SyncOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"order":   result.Order,
			"added":   result.Added,
			"changed": result.Changed,
		})
	}
}

func OrderDetail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := svc.OrderDetail(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

func RunAutoGifts(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.RunAutoGifts(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
