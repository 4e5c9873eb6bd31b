package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

// Cursor marks the newest usage event already folded into the cache
// view for an account.
type Cursor struct {
	AccountID   snowflake.ID `gorm:"column:account_id;primaryKey"`
	LastEventID snowflake.ID `gorm:"column:last_event_id"`
	UpdatedAt   time.Time    `gorm:"column:updated_at"`
}

func (Cursor) TableName() string { return "reconciliation_cursors" }

type AccountResult struct {
	AccountID     snowflake.ID `json:"account_id"`
	Replayed      int          `json:"replayed"`
	CommittedSet  micro.Amount `json:"committed_micro"`
	LastEventID   snowflake.ID `json:"last_event_id"`
	SkippedLocked bool         `json:"skipped_locked"`
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Clock clock.Clock
	Holds spend.HoldStore

	Locker     *ratelimit.Locker `optional:"true"`
	ObsMetrics *metrics.Metrics  `optional:"true"`
}

// Service rebuilds the cache tier from the durable ledger. The durable
// usage_events sum is authoritative; the cache committed total is
// snapped to it, never incremented blind, so a rerun is always safe.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	clock   clock.Clock
	holds   spend.HoldStore
	locker  *ratelimit.Locker
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("reconcile"),
		cfg:     p.Cfg,
		clock:   p.Clock,
		holds:   p.Holds,
		locker:  p.Locker,
		metrics: p.ObsMetrics,
	}
}

func accountMarker(accountID snowflake.ID) string {
	return fmt.Sprintf("reconcile:account:%s", accountID)
}

// Run reconciles every account with usage events newer than its
// cursor. Per-account failures are joined, not fatal, so one bad
// account never starves the rest.
func (s *Service) Run(ctx context.Context, limit int) ([]AccountResult, error) {
	if limit <= 0 {
		limit = 100
	}

	var accounts []snowflake.ID
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT u.account_id
		FROM usage_events u
		LEFT JOIN reconciliation_cursors c ON c.account_id = u.account_id
		WHERE u.state = 'FINALIZED' AND u.id > COALESCE(c.last_event_id, 0)
		ORDER BY u.account_id
		LIMIT ?
	`, limit).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}

	results := make([]AccountResult, 0, len(accounts))
	var errs error
	for _, account := range accounts {
		res, err := s.RunAccount(ctx, account)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("account %s: %w", account, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errs
}

// RunAccount folds all finalized events past the cursor into the cache
// tier and advances the cursor only after the cache write confirmed.
func (s *Service) RunAccount(ctx context.Context, accountID snowflake.ID) (*AccountResult, error) {
	result := &AccountResult{AccountID: accountID}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, accountMarker(accountID), s.cfg.RateLimit.MarkerTTL)
		if err != nil {
			s.log.Warn("reconcile marker unavailable, proceeding unguarded",
				zap.String("account_id", accountID.String()), zap.Error(err))
		} else if !ok {
			result.SkippedLocked = true
			return result, nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, accountMarker(accountID), token); err != nil {
					s.log.Warn("reconcile marker release failed",
						zap.String("account_id", accountID.String()), zap.Error(err))
				}
			}()
		}
	}

	cursor, err := s.loadCursor(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var pending struct {
		Count       int
		LastEventID snowflake.ID
	}
	err = s.db.WithContext(ctx).Raw(`
		SELECT COUNT(1) AS count, COALESCE(MAX(id), 0) AS last_event_id
		FROM usage_events
		WHERE account_id = ? AND state = 'FINALIZED' AND id > ?
	`, accountID, cursor).Scan(&pending).Error
	if err != nil {
		return nil, err
	}
	if pending.Count == 0 {
		result.LastEventID = cursor
		return result, nil
	}

	total, err := s.durableTotal(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.holds.SetCommitted(ctx, accountID, total); err != nil {
		return nil, err
	}

	if err := s.advanceCursor(ctx, accountID, pending.LastEventID); err != nil {
		return nil, err
	}

	result.Replayed = pending.Count
	result.CommittedSet = total
	result.LastEventID = pending.LastEventID

	if s.metrics != nil {
		s.metrics.RecordEventsReplayed(ctx, pending.Count)
	}
	s.log.Info("account reconciled",
		zap.String("account_id", accountID.String()),
		zap.Int("replayed", pending.Count),
		zap.Int64("committed_micro", total.Int64()),
	)
	return result, nil
}

// Resync snaps the cache committed total to the durable sum regardless
// of the cursor. Operators run it before clearing a conservation halt.
func (s *Service) Resync(ctx context.Context, accountID snowflake.ID) (micro.Amount, error) {
	total, err := s.durableTotal(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := s.holds.SetCommitted(ctx, accountID, total); err != nil {
		return 0, err
	}

	var lastEventID snowflake.ID
	err = s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(MAX(id), 0) FROM usage_events
		WHERE account_id = ? AND state = 'FINALIZED'
	`, accountID).Scan(&lastEventID).Error
	if err != nil {
		return 0, err
	}
	if err := s.advanceCursor(ctx, accountID, lastEventID); err != nil {
		return 0, err
	}

	s.log.Info("cache committed total resynced",
		zap.String("account_id", accountID.String()),
		zap.Int64("committed_micro", total.Int64()),
	)
	return total, nil
}

func (s *Service) durableTotal(ctx context.Context, accountID snowflake.ID) (micro.Amount, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(cost_micro), 0) FROM usage_events
		WHERE account_id = ? AND state = 'FINALIZED'
	`, accountID).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return micro.Amount(total), nil
}

func (s *Service) loadCursor(ctx context.Context, accountID snowflake.ID) (snowflake.ID, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.LastEventID, nil
}

func (s *Service) advanceCursor(ctx context.Context, accountID, lastEventID snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO reconciliation_cursors (account_id, last_event_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id)
		DO UPDATE SET last_event_id = ?, updated_at = ?
	`, accountID, lastEventID, now, lastEventID, now).Error
}
