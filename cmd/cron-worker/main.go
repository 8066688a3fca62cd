package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/giftpipe-backend/internal/cron"
	"github.com/angelmondragon/giftpipe-backend/internal/pipeline"
	"github.com/angelmondragon/giftpipe-backend/pkg/config"
	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/instance"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/metrics"
	"github.com/angelmondragon/giftpipe-backend/pkg/migrate"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/redis"
)

const lockKeyFormat = "gp:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	svc, err := pipeline.Build(context.Background(), pipeline.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, redisClient, svc)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := redis.NewLock(redisClient, lockKey(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID("cron-worker"),
		"jobs":        len(registry.Jobs()),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildRegistry orders jobs so newly funded orders are released before the
// stuck sweep looks at them.
func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, svc *pipeline.Pipeline) (*cron.Registry, error) {
	registry := cron.NewRegistry()

	fundingJob, err := cron.NewFundingCheckJob(logg, svc.Funding)
	if err != nil {
		return nil, err
	}
	registry.Register(fundingJob)

	reconcileJob, err := cron.NewReconcileRecentJob(cron.ReconcileRecentJobParams{
		Logger:   logg,
		Service:  svc.Reconciliation,
		Lookback: cfg.Cron.ReconcileLookback,
	})
	if err != nil {
		return nil, err
	}
	if reconcileJob, err = cron.Every(reconcileJob, cfg.Cron.ReconcileEvery, redisClient); err != nil {
		return nil, err
	}
	registry.Register(reconcileJob)

	sweepJob, err := cron.NewRecoverySweepJob(logg, svc.Recovery)
	if err != nil {
		return nil, err
	}
	registry.Register(sweepJob)

	autoGiftJob, err := cron.NewAutoGiftJob(logg, svc.AutoGift)
	if err != nil {
		return nil, err
	}
	if autoGiftJob, err = cron.Every(autoGiftJob, cfg.Cron.AutoGiftEvery, redisClient); err != nil {
		return nil, err
	}
	registry.Register(autoGiftJob)

	outboxJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, err
	}
	if outboxJob, err = cron.Every(outboxJob, cfg.Cron.RetentionEvery, redisClient); err != nil {
		return nil, err
	}
	registry.Register(outboxJob)

	recordJob, err := cron.NewRecordRetentionJob(cron.RecordRetentionJobParams{
		Logger:          logg,
		Records:         svc.Orders,
		RecordRetention: cfg.Cron.RecordRetention,
	})
	if err != nil {
		return nil, err
	}
	if recordJob, err = cron.Every(recordJob, cfg.Cron.RetentionEvery, redisClient); err != nil {
		return nil, err
	}
	registry.Register(recordJob)

	return registry, nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
