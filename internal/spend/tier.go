package spend

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

// Tier is one level of the daily spending counter. Implementations
// must make Incr atomic for concurrent callers.
type Tier interface {
	Name() string
	// Incr adds delta to the counter for (account, date) and returns
	// the new value.
	Incr(ctx context.Context, account snowflake.ID, date string, delta micro.Amount) (micro.Amount, error)
	// Get returns the counter value and whether the tier holds the key.
	Get(ctx context.Context, account snowflake.ID, date string) (micro.Amount, bool, error)
}

var (
	ErrTierUnavailable     = errors.New("tier_unavailable")
	ErrAllTiersUnavailable = errors.New("all_tiers_unavailable")
)
