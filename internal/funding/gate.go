package funding

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

const balanceCacheName = "vendor_balance_cents"

// BalanceReader reads the prepaid balance held at the vendor.
type BalanceReader interface {
	GetBalance(ctx context.Context) (int64, error)
}

type balanceCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	CacheKey(name string) string
}

// Gate is the advisory balance check run before every vendor submission.
// Concurrent dispatches may briefly over-commit; the next Check corrects it.
type Gate struct {
	vendor BalanceReader
	cache  balanceCache
	ttl    time.Duration
	logg   *logger.Logger
}

func NewGate(vendor BalanceReader, cache balanceCache, ttl time.Duration, logg *logger.Logger) (*Gate, error) {
	if vendor == nil {
		return nil, errors.New("balance reader required")
	}
	return &Gate{vendor: vendor, cache: cache, ttl: ttl, logg: logg}, nil
}

// HasCapacity reports whether the vendor balance covers amountCents.
func (g *Gate) HasCapacity(ctx context.Context, amountCents int64) (bool, error) {
	balance, err := g.Balance(ctx)
	if err != nil {
		return false, err
	}
	return balance >= amountCents, nil
}

// Balance returns the cached balance when fresh, otherwise reads the vendor.
func (g *Gate) Balance(ctx context.Context) (int64, error) {
	if g.cache != nil && g.ttl > 0 {
		raw, err := g.cache.Get(ctx, g.cache.CacheKey(balanceCacheName))
		switch {
		case err == nil:
			if cents, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
				return cents, nil
			}
		case !errors.Is(err, goredis.Nil) && g.logg != nil:
			g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "balance cache read failed")
		}
	}
	return g.Refresh(ctx)
}

// Refresh reads the vendor balance and replaces the cached value.
func (g *Gate) Refresh(ctx context.Context) (int64, error) {
	cents, err := g.vendor.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	if g.cache != nil && g.ttl > 0 {
		if err := g.cache.Set(ctx, g.cache.CacheKey(balanceCacheName), strconv.FormatInt(cents, 10), g.ttl); err != nil && g.logg != nil {
			g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "balance cache write failed")
		}
	}
	return cents, nil
}
