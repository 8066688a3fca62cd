package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/giftpipe-backend/internal/autogift"
	"github.com/angelmondragon/giftpipe-backend/internal/funding"
	"github.com/angelmondragon/giftpipe-backend/internal/reconciliation"
	"github.com/angelmondragon/giftpipe-backend/internal/recovery"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

// TriggerCron tags work started by the scheduler.
const TriggerCron = "cron"

const (
	defaultReconcileLookback = 2 * time.Hour
	defaultRecordRetention   = 30 * 24 * time.Hour
)

type fundingChecker interface {
	Check(ctx context.Context, trigger string) (*funding.CheckResult, error)
}

type stuckSweeper interface {
	Sweep(ctx context.Context) (*recovery.SweepResult, error)
}

type autoGiftRunner interface {
	Run(ctx context.Context) (*autogift.RunResult, error)
}

type recentReconciler interface {
	ReconcileRecent(ctx context.Context, since time.Time) (*reconciliation.BatchResult, error)
}

type consumedRecordPurger interface {
	PurgeConsumedRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewFundingCheckJob compares the vendor balance with pending order value and
// releases awaiting_funds orders once it covers them.
func NewFundingCheckJob(logg *logger.Logger, svc fundingChecker) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("funding service required")
	}
	return &fundingCheckJob{logg: logg, svc: svc}, nil
}

type fundingCheckJob struct {
	logg *logger.Logger
	svc  fundingChecker
}

func (j *fundingCheckJob) Name() string { return "funding-check" }

func (j *fundingCheckJob) Run(ctx context.Context) error {
	res, err := j.svc.Check(ctx, TriggerCron)
	if err != nil {
		return fmt.Errorf("funding check: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"balance_cents": res.BalanceCents,
		"pending_cents": res.PendingCents,
		"sufficient":    res.Sufficient,
		"released":      res.Released,
	}), "funding check complete")
	return nil
}

// NewRecoverySweepJob runs the stuck-order sweep, including vendor syncs for
// orders the vendor has not reported on.
func NewRecoverySweepJob(logg *logger.Logger, svc stuckSweeper) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("recovery service required")
	}
	return &recoverySweepJob{logg: logg, svc: svc}, nil
}

type recoverySweepJob struct {
	logg *logger.Logger
	svc  stuckSweeper
}

func (j *recoverySweepJob) Name() string { return "recovery-sweep" }

func (j *recoverySweepJob) Run(ctx context.Context) error {
	res, err := j.svc.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"examined":  res.Examined,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}), "recovery sweep complete")
	return nil
}

func NewAutoGiftJob(logg *logger.Logger, svc autoGiftRunner) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("auto-gift service required")
	}
	return &autoGiftJob{logg: logg, svc: svc}, nil
}

type autoGiftJob struct {
	logg *logger.Logger
	svc  autoGiftRunner
}

func (j *autoGiftJob) Name() string { return "auto-gift" }

func (j *autoGiftJob) Run(ctx context.Context) error {
	res, err := j.svc.Run(ctx)
	if err != nil {
		return fmt.Errorf("auto-gift run: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"rules":            res.Rules,
		"due":              res.Due,
		"created":          res.Created,
		"already_executed": res.AlreadyExecuted,
		"failed":           res.Failed,
	}), "auto-gift run complete")
	if res.Failed > 0 {
		return fmt.Errorf("auto-gift run: %d executions failed", res.Failed)
	}
	return nil
}

type ReconcileRecentJobParams struct {
	Logger   *logger.Logger
	Service  recentReconciler
	Lookback time.Duration
}

// NewReconcileRecentJob backfills orders for paid sessions whose webhook never
// arrived.
func NewReconcileRecentJob(params ReconcileRecentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Service == nil {
		return nil, fmt.Errorf("reconciliation service required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	return &reconcileRecentJob{
		logg:     params.Logger,
		svc:      params.Service,
		lookback: lookback,
		now:      time.Now,
	}, nil
}

type reconcileRecentJob struct {
	logg     *logger.Logger
	svc      recentReconciler
	lookback time.Duration
	now      func() time.Time
}

func (j *reconcileRecentJob) Name() string { return "reconcile-recent" }

func (j *reconcileRecentJob) Run(ctx context.Context) error {
	since := j.now().UTC().Add(-j.lookback)
	res, err := j.svc.ReconcileRecent(ctx, since)
	if err != nil {
		return fmt.Errorf("reconcile recent: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"since":    since,
		"checked":  res.Checked,
		"created":  res.Created,
		"existing": res.Existing,
		"failed":   res.Failed,
	}), "missed checkout reconciliation complete")
	return nil
}

type RecordRetentionJobParams struct {
	Logger          *logger.Logger
	Records         consumedRecordPurger
	RecordRetention time.Duration
}

// NewRecordRetentionJob deletes consumed payment intent records. Recovery
// audit rows are never deleted.
func NewRecordRetentionJob(params RecordRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Records == nil {
		return nil, fmt.Errorf("orders service required")
	}
	records := params.RecordRetention
	if records <= 0 {
		records = defaultRecordRetention
	}
	return &recordRetentionJob{
		logg:            params.Logger,
		records:         params.Records,
		recordRetention: records,
		now:             time.Now,
	}, nil
}

type recordRetentionJob struct {
	logg            *logger.Logger
	records         consumedRecordPurger
	recordRetention time.Duration
	now             func() time.Time
}

func (j *recordRetentionJob) Name() string { return "record-retention" }

func (j *recordRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	records, err := j.records.PurgeConsumedRecords(ctx, now.Add(-j.recordRetention))
	if err != nil {
		return fmt.Errorf("purge payment intent records: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "records_deleted", records), "record retention cleanup complete")
	return nil
}
