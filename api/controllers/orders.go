package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/api/middleware"
	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/api/validators"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

type OrderReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

// OrderStatus returns the customer view of an order: pending, succeeded or
// failed. Orders owned by someone else are reported as missing.
func OrderStatus(svc OrderReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !canView(r.Context(), order) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}
		responses.WriteSuccess(w, orders.NewStatusView(order))
	}
}

func canView(ctx context.Context, order *models.Order) bool {
	if middleware.RoleFromContext(ctx) == string(enums.ActorRoleAdmin) {
		return true
	}
	if order.UserID == nil {
		return false
	}
	return order.UserID.String() == middleware.UserIDFromContext(ctx)
}

// callerID returns the authenticated user, or uuid.Nil for admins so owner
// checks are skipped.
func callerID(ctx context.Context) (uuid.UUID, error) {
	if middleware.RoleFromContext(ctx) == string(enums.ActorRoleAdmin) {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(middleware.UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid user id")
	}
	return id, nil
}
