package cron

import (
	"context"
	"fmt"
	"time"
)

const windowScope = "cron-window"

type windowStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(scope, id string) string
}

// Every runs job at most once per period across all cron instances. A failed
// run frees the window so the next cycle retries.
func Every(job Job, period time.Duration, store windowStore) (Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job required")
	}
	if store == nil {
		return nil, fmt.Errorf("window store required")
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	return &periodicJob{job: job, period: period, store: store, now: time.Now}, nil
}

type periodicJob struct {
	job    Job
	period time.Duration
	store  windowStore
	now    func() time.Time
}

func (p *periodicJob) Name() string { return p.job.Name() }

func (p *periodicJob) Run(ctx context.Context) error {
	key := p.store.LockKey(windowScope, p.job.Name())
	claimed, err := p.store.SetNX(ctx, key, p.now().UTC().Format(time.RFC3339), p.period)
	if err != nil {
		return fmt.Errorf("claim window: %w", err)
	}
	if !claimed {
		return nil
	}
	if err := p.job.Run(ctx); err != nil {
		if delErr := p.store.Del(ctx, key); delErr != nil {
			return fmt.Errorf("%w (release window: %v)", err, delErr)
		}
		return err
	}
	return nil
}
