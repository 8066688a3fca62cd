package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/giftpipe-backend/api/responses"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/giftpipe-backend/pkg/redis"
)

const readinessTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-GiftPipe-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports 503 naming the first one
// that fails.
func HealthReady(cfg *config.Config, db pkgredis.Pinger, cache pkgredis.Pinger, logg *logger.Logger) http.HandlerFunc {
	checks := []struct {
		name   string
		pinger pkgredis.Pinger
	}{
		{"database", db},
		{"redis", cache},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-GiftPipe-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		for _, check := range checks {
			if check.pinger == nil {
				continue
			}
			if err := check.pinger.Ping(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, check.name+" unavailable").
					WithDetails(map[string]any{"dependency": check.name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
