package spend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

const keyDailySpend = "spend:daily:%s:%s"

// The expiry is applied only when INCRBY creates the key: the returned
// value equals the delta exactly once per day, which removes the
// read-then-write race of a separate EXPIRE call.
const dailyIncrScript = `
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`

// RedisTier is the low-latency cache tier of the daily counter.
type RedisTier struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewRedisTier(client *redis.Client) *RedisTier {
	if client == nil {
		return nil
	}
	return &RedisTier{
		client: client,
		script: redis.NewScript(dailyIncrScript),
		// Keys live past the calendar day so reconciliation can still
		// read yesterday's counter shortly after midnight.
		ttl: 36 * time.Hour,
	}
}

func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) Incr(ctx context.Context, account snowflake.ID, date string, delta micro.Amount) (micro.Amount, error) {
	if t == nil || t.client == nil {
		return 0, ErrTierUnavailable
	}
	key := fmt.Sprintf(keyDailySpend, account.String(), date)
	v, err := t.script.Run(ctx, t.client, []string{key}, delta.Int64(), t.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return micro.Amount(v), nil
}

func (t *RedisTier) Get(ctx context.Context, account snowflake.ID, date string) (micro.Amount, bool, error) {
	if t == nil || t.client == nil {
		return 0, false, ErrTierUnavailable
	}
	key := fmt.Sprintf(keyDailySpend, account.String(), date)
	v, err := t.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return micro.Amount(v), true, nil
}
