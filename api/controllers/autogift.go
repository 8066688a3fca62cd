package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/api/validators"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

type AutoGiftCanceller interface {
	CancelRule(ctx context.Context, ruleID, ownerID uuid.UUID) (*models.AutoGiftRule, error)
	CancelExecution(ctx context.Context, executionID, ownerID uuid.UUID) (*models.AutoGiftExecution, error)
}

// CancelAutoGiftRule deactivates a rule and cancels the orders it already
// created. Repeating the call is a no-op.
func CancelAutoGiftRule(svc AutoGiftCanceller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "auto-gift service unavailable"))
			return
		}
		ruleID, err := validators.ParseUUIDParam(r, "ruleId", "rule id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		owner, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rule, err := svc.CancelRule(r.Context(), ruleID, owner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"rule_id": rule.ID,
			"active":  rule.Active,
		})
	}
}

// CancelAutoGiftExecution cancels one occurrence and voids or refunds its
// payment.
func CancelAutoGiftExecution(svc AutoGiftCanceller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "auto-gift service unavailable"))
			return
		}
		executionID, err := validators.ParseUUIDParam(r, "executionId", "execution id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		owner, err := callerID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		execution, err := svc.CancelExecution(r.Context(), executionID, owner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"execution_id": execution.ID,
			"status":       execution.Status,
			"order_id":     execution.OrderID,
		})
	}
}
