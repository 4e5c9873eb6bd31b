package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"github.com/smallbiznis/ledgerguard/internal/guard/domain"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Redis   *redis.Client `optional:"true"`
	Log     *zap.Logger
	Cfg     config.Config
	Dynamic *config.Dynamic
	Holds   spend.HoldStore
	Clock   clock.Clock

	ObsMetrics *metrics.Metrics `optional:"true"`
}

type guardService struct {
	db      *gorm.DB
	redis   *redis.Client
	log     *zap.Logger
	cfg     config.Config
	dynamic *config.Dynamic
	holds   spend.HoldStore
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &guardService{
		db:      p.DB,
		redis:   p.Redis,
		log:     p.Log.Named("guard"),
		cfg:     p.Cfg,
		dynamic: p.Dynamic,
		holds:   p.Holds,
		clock:   p.Clock,
		metrics: p.ObsMetrics,
	}
}

func fenceKey(accountID snowflake.ID) string {
	return fmt.Sprintf("guard:fence:%s", accountID)
}

func haltKey(accountID snowflake.ID) string {
	return fmt.Sprintf("guard:halt:%s", accountID)
}

func (s *guardService) AcquireFence(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if accountID == 0 {
		return 0, domain.ErrInvalidAccount
	}

	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.OpTimeout)
		defer cancel()

		token, err := s.redis.Incr(opCtx, fenceKey(accountID)).Result()
		if err == nil {
			if token == 1 {
				// Cold counter, seed it past the durable high-water mark so
				// tokens issued before the cache was lost stay behind us.
				return s.seedFence(ctx, accountID, token)
			}
			return token, nil
		}
		s.log.Warn("fence allocator falling back to durable counter",
			zap.String("account_id", accountID.String()), zap.Error(err))
	}

	return s.acquireFenceDurable(ctx, accountID)
}

func (s *guardService) seedFence(ctx context.Context, accountID snowflake.ID, token int64) (int64, error) {
	var row domain.FenceToken
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return token, nil
	}
	if err != nil {
		return 0, err
	}

	high := row.Token
	if row.Issued > high {
		high = row.Issued
	}
	if high < token {
		return token, nil
	}

	next := high + 1
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.OpTimeout)
	defer cancel()
	if err := s.redis.Set(opCtx, fenceKey(accountID), next, 0).Err(); err != nil {
		s.log.Warn("fence seed write failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	return next, nil
}

func (s *guardService) acquireFenceDurable(ctx context.Context, accountID snowflake.ID) (int64, error) {
	var issued int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(`
			INSERT INTO fence_tokens (account_id, token, issued, updated_at)
			VALUES (?, 0, 1, ?)
			ON CONFLICT (account_id)
			DO UPDATE SET issued = fence_tokens.issued + 1, updated_at = ?
			RETURNING issued
		`, accountID, s.clock.Now(), s.clock.Now()).Scan(&issued).Error
	})
	if err != nil {
		return 0, err
	}
	return issued, nil
}

func (s *guardService) VerifyAndAdvanceFenceTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, token int64) error {
	if accountID == 0 {
		return domain.ErrInvalidAccount
	}
	if token <= 0 {
		return domain.ErrInvalidFenceToken
	}

	now := s.clock.Now()
	res := tx.WithContext(ctx).Exec(`
		UPDATE fence_tokens
		SET token = ?, updated_at = ?
		WHERE account_id = ? AND token < ?
	`, token, now, accountID, token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	ins := tx.WithContext(ctx).Exec(`
		INSERT INTO fence_tokens (account_id, token, issued, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, token, token, now)
	if ins.Error != nil {
		return ins.Error
	}
	if ins.RowsAffected == 0 {
		return domain.ErrStaleFence
	}
	return nil
}

func (s *guardService) CheckConservation(ctx context.Context, accountID snowflake.ID) (*domain.Report, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}

	var durable int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(cost_micro), 0)
		FROM usage_events
		WHERE account_id = ? AND state = 'FINALIZED'
	`, accountID).Scan(&durable).Error
	if err != nil {
		return nil, err
	}

	guardCfg := s.dynamic.Guard()
	limit := micro.Amount(s.cfg.Spend.DailyCapMicro)
	report := &domain.Report{
		AccountID:    accountID,
		DurableMicro: micro.Amount(durable),
		WarnMicro:    limit.BasisPoints(guardCfg.WarnBasisPoints),
		TripMicro:    limit.BasisPoints(guardCfg.TripBasisPoints),
		CheckedAt:    s.clock.Now(),
	}

	cache, found, err := s.holds.CommittedTotal(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !found {
		// A cold cache reads as zero; that is a restart, not lost money.
		// The reconciler re-warms it from the durable side.
		report.CacheCold = true
		report.WithinTolerance = true
		return report, nil
	}

	report.CacheMicro = cache
	report.DriftMicro = cache - report.DurableMicro
	drift := report.DriftMicro.Abs()
	// Tolerance is the warn band: anything above it is real drift, even
	// before the breaker trips.
	report.WithinTolerance = drift <= report.WarnMicro

	if s.metrics != nil {
		s.metrics.RecordDrift(ctx, accountID.String(), report.DriftMicro.Int64())
	}

	switch {
	case drift > report.TripMicro:
		report.Tripped = true
		if err := s.tripHalt(ctx, report); err != nil {
			return nil, err
		}
	case drift > report.WarnMicro:
		s.log.Warn("conservation drift above warn threshold",
			zap.String("account_id", accountID.String()),
			zap.Int64("drift_micro", report.DriftMicro.Int64()),
			zap.Int64("warn_micro", report.WarnMicro.Int64()))
	}

	return report, nil
}

func (s *guardService) tripHalt(ctx context.Context, report *domain.Report) error {
	now := s.clock.Now()
	reason := fmt.Sprintf("conservation drift %d micro exceeds trip threshold %d micro",
		report.DriftMicro.Int64(), report.TripMicro.Int64())

	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO account_halts (account_id, halted, drift_micro, reason, halted_at, cleared_at)
		VALUES (?, TRUE, ?, ?, ?, NULL)
		ON CONFLICT (account_id)
		DO UPDATE SET halted = TRUE, drift_micro = ?, reason = ?, halted_at = ?, cleared_at = NULL
	`, report.AccountID, report.DriftMicro.Int64(), reason, now,
		report.DriftMicro.Int64(), reason, now).Error
	if err != nil {
		return err
	}

	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.OpTimeout)
		defer cancel()
		if err := s.redis.Set(opCtx, haltKey(report.AccountID), "1", 0).Err(); err != nil {
			s.log.Warn("halt flag cache write failed",
				zap.String("account_id", report.AccountID.String()), zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordBreakerTrip(ctx, report.AccountID.String())
	}

	s.log.Error("conservation breaker tripped, reservations halted",
		zap.String("account_id", report.AccountID.String()),
		zap.Int64("cache_micro", report.CacheMicro.Int64()),
		zap.Int64("durable_micro", report.DurableMicro.Int64()),
		zap.Int64("drift_micro", report.DriftMicro.Int64()),
		zap.Int64("trip_micro", report.TripMicro.Int64()))

	return nil
}

func (s *guardService) IsHalted(ctx context.Context, accountID snowflake.ID) (bool, error) {
	if accountID == 0 {
		return false, domain.ErrInvalidAccount
	}

	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.OpTimeout)
		defer cancel()
		val, err := s.redis.Get(opCtx, haltKey(accountID)).Result()
		if err == nil {
			return val == "1", nil
		}
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("halt flag cache read failed",
				zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}

	var halt domain.AccountHalt
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&halt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return halt.Halted, nil
}

func (s *guardService) ClearHalt(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return domain.ErrInvalidAccount
	}

	var halt domain.AccountHalt
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&halt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrHaltNotFound
	}
	if err != nil {
		return err
	}
	if !halt.Halted {
		return nil
	}

	report, err := s.CheckConservation(ctx, accountID)
	if err != nil {
		return err
	}
	if !report.WithinTolerance {
		return domain.ErrHaltStillDrifting
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(`
		UPDATE account_halts
		SET halted = FALSE, cleared_at = ?
		WHERE account_id = ? AND halted = TRUE
	`, now, accountID).Error; err != nil {
		return err
	}

	if s.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.OpTimeout)
		defer cancel()
		if err := s.redis.Del(opCtx, haltKey(accountID)).Err(); err != nil {
			s.log.Warn("halt flag cache delete failed",
				zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordBreakerClear(ctx, accountID.String())
	}

	s.log.Info("conservation halt cleared",
		zap.String("account_id", accountID.String()),
		zap.Int64("drift_micro", report.DriftMicro.Int64()))

	return nil
}

func (s *guardService) ListAuditAccounts(ctx context.Context, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT account_id
		FROM usage_events
		ORDER BY account_id
		LIMIT ?
	`, limit).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
