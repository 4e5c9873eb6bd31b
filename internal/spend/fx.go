package spend

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("spend",
	fx.Provide(provideCounter),
	fx.Provide(provideHoldStore),
)

func provideCounter(client *redis.Client, db *gorm.DB, log *zap.Logger) *Counter {
	tiers := make([]Tier, 0, 3)
	if rt := NewRedisTier(client); rt != nil {
		tiers = append(tiers, rt)
	}
	tiers = append(tiers, NewDurableTier(db), NewMemoryTier())
	return NewCounter(log, tiers...)
}

func provideHoldStore(client *redis.Client, cfg config.Config, log *zap.Logger) HoldStore {
	return NewHoldStore(client, cfg.Spend.ReservationTTL, log)
}
