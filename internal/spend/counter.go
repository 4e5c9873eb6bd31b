package spend

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"go.uber.org/zap"
)

// Counter chains tiers in priority order: writes land on the first
// tier that accepts them, reads return the first tier that holds the
// key. A tier error falls through to the next tier; a miss on a
// reachable tier also falls through, because only the durable tier's
// absence is authoritative for zero.
type Counter struct {
	tiers []Tier
	log   *zap.Logger
}

func NewCounter(log *zap.Logger, tiers ...Tier) *Counter {
	active := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			active = append(active, t)
		}
	}
	return &Counter{tiers: active, log: log.Named("spend.counter")}
}

func (c *Counter) Incr(ctx context.Context, account snowflake.ID, date string, delta micro.Amount) (micro.Amount, error) {
	var errs error
	for _, tier := range c.tiers {
		v, err := tier.Incr(ctx, account, date, delta)
		if err == nil {
			return v, nil
		}
		errs = errors.Join(errs, err)
		c.log.Warn("spending counter tier write failed",
			zap.String("tier", tier.Name()),
			zap.String("account_id", account.String()),
			zap.Error(err),
		)
	}
	return 0, errors.Join(ErrAllTiersUnavailable, errs)
}

func (c *Counter) Get(ctx context.Context, account snowflake.ID, date string) (micro.Amount, error) {
	answered := false
	var errs error
	for _, tier := range c.tiers {
		v, found, err := tier.Get(ctx, account, date)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		answered = true
		if found {
			return v, nil
		}
	}
	if !answered {
		return 0, errors.Join(ErrAllTiersUnavailable, errs)
	}
	// Every reachable tier confirmed the key is absent.
	return 0, nil
}

// IncrCache applies the delta only to tiers ahead of the durable tier.
// Finalize writes the durable row inside its transaction; this keeps the
// cache tier in step without double counting. Best effort, errors are
// logged and left to the drift audit.
func (c *Counter) IncrCache(ctx context.Context, account snowflake.ID, date string, delta micro.Amount) {
	for _, tier := range c.tiers {
		if tier.Name() == "durable" {
			return
		}
		if _, err := tier.Incr(ctx, account, date, delta); err != nil {
			c.log.Warn("spending counter cache refresh failed",
				zap.String("tier", tier.Name()),
				zap.String("account_id", account.String()),
				zap.Error(err),
			)
		}
	}
}

// DateKey formats a timestamp as the spending-day key, always UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
