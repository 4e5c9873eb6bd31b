package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"

	"github.com/smallbiznis/ledgerguard/internal/config"
)

const keyReserveAccount = "budget:reserve:rl:%s"

// ReserveLimiter throttles reservation attempts per account. Disabled
// or degraded limiters fail open; the daily cap is the real backstop.
type ReserveLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewReserveLimiter(cfg config.Config, client *redis.Client) *ReserveLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil
	}
	if limitCfg.ReserveRate <= 0 || limitCfg.ReserveBurst <= 0 {
		return nil
	}
	return &ReserveLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.ReserveRate,
		burst:   limitCfg.ReserveBurst,
	}
}

func (l *ReserveLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ReserveLimiter) AllowAccount(ctx context.Context, accountID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyReserveAccount, accountID.String()), l.rate, l.burst)
}
