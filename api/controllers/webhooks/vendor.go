package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/internal/orders"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/zinc"
)

type VendorCallbackService interface {
	HandleCallback(ctx context.Context, res *zinc.OrderResponse) (*orders.TimelineResult, error)
}

// VendorWebhook ingests order callbacks from the fulfillment vendor. The
// vendor echoes the token appended to the callback URL at submission.
// Replays are harmless: timeline events are deduplicated by id.
func VendorWebhook(svc VendorCallbackService, token string, pm *metrics.PipelineMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "vendor callback service unavailable"))
			return
		}
		if !validCallbackToken(token, r.URL.Query().Get("token")) {
			pm.IncWebhook("vendor", "callback", "unauthorized")
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid callback token"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}
		var res zinc.OrderResponse
		if err := json.Unmarshal(payload, &res); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode vendor callback"))
			return
		}
		if logg != nil {
			ctx = logg.WithField(ctx, "vendor_request_id", res.RequestID)
		}

		result, err := svc.HandleCallback(ctx, &res)
		if err != nil {
			if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
				pm.IncWebhook("vendor", res.Type, "ignored")
				if logg != nil {
					logg.Warn(ctx, "vendor callback for unknown order")
				}
				responses.WriteSuccess(w, map[string]any{"received": true, "ignored": true})
				return
			}
			pm.IncWebhook("vendor", res.Type, "error")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		pm.IncWebhook("vendor", res.Type, "ok")
		body := map[string]any{"received": true, "added": result.Added}
		if result.Order != nil {
			body["status"] = result.Order.Status
		}
		responses.WriteSuccess(w, body)
	}
}

func validCallbackToken(expected, got string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(got))) == 1
}
