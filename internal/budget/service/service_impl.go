package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/budget/domain"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Counter *spend.Counter
	Holds   spend.HoldStore
	Guard   guarddomain.Service
	Ledger  ledgerdomain.Service

	Limiter    *ratelimit.ReserveLimiter `optional:"true"`
	ObsMetrics *metrics.Metrics          `optional:"true"`
}

type budgetService struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	counter *spend.Counter
	holds   spend.HoldStore
	guard   guarddomain.Service
	ledger  ledgerdomain.Service
	limiter *ratelimit.ReserveLimiter
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &budgetService{
		db:      p.DB,
		log:     p.Log.Named("budget"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		counter: p.Counter,
		holds:   p.Holds,
		guard:   p.Guard,
		ledger:  p.Ledger,
		limiter: p.Limiter,
		metrics: p.ObsMetrics,
	}
}

func (s *budgetService) dailyCap() micro.Amount {
	return micro.Amount(s.cfg.Spend.DailyCapMicro)
}

func usageReference(finalizationID string) string {
	return "usage:" + finalizationID
}

func (s *budgetService) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.Reservation, error) {
	if req.AccountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	if req.EstimateMicro <= 0 {
		return nil, domain.ErrInvalidEstimate
	}

	halted, err := s.guard.IsHalted(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if halted {
		s.recordReservation(ctx, "halted")
		return nil, guarddomain.ErrConservationHalted
	}

	if s.limiter.Enabled() {
		res, err := s.limiter.AllowAccount(ctx, req.AccountID)
		if err != nil {
			// Degraded limiter fails open, the daily cap still holds.
			s.log.Warn("reserve rate limiter degraded",
				zap.String("account_id", req.AccountID.String()), zap.Error(err))
		} else if !res.Allowed {
			s.recordReservation(ctx, "rate_limited")
			return nil, fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, res.RetryAfter)
		}
	}

	now := s.clock.Now()
	spent, err := s.counter.Get(ctx, req.AccountID, spend.DateKey(now))
	if err != nil {
		return nil, errors.Join(domain.ErrUnavailable, err)
	}
	reserved, err := s.holds.ReservedTotal(ctx, req.AccountID)
	if err != nil {
		return nil, errors.Join(domain.ErrUnavailable, err)
	}

	if spent+reserved+req.EstimateMicro > s.dailyCap() {
		s.recordReservation(ctx, "budget_exceeded")
		return nil, domain.ErrBudgetExceeded
	}

	if _, err := s.holds.AddReserved(ctx, req.AccountID, req.EstimateMicro); err != nil {
		return nil, errors.Join(domain.ErrUnavailable, err)
	}

	fence, err := s.guard.AcquireFence(ctx, req.AccountID)
	if err != nil {
		if relErr := s.holds.ReleaseReserved(ctx, req.AccountID, req.EstimateMicro); relErr != nil {
			s.log.Warn("reserved hold release failed after fence error",
				zap.String("account_id", req.AccountID.String()), zap.Error(relErr))
		}
		return nil, err
	}

	s.recordReservation(ctx, "accepted")
	return &domain.Reservation{
		ReservationID: ulid.Make().String(),
		AccountID:     req.AccountID,
		FenceToken:    fence,
		EstimateMicro: req.EstimateMicro,
		ExpiresAt:     now.Add(s.cfg.Spend.ReservationTTL),
	}, nil
}

var errDuplicateEvent = errors.New("duplicate_event")

func (s *budgetService) Finalize(ctx context.Context, req domain.FinalizeRequest) (*domain.FinalizeResult, error) {
	if req.AccountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	if req.FinalizationID == "" {
		return nil, domain.ErrInvalidFinalizationID
	}
	if req.CostMicro < 0 {
		return nil, domain.ErrInvalidCost
	}
	if req.FenceToken <= 0 {
		return nil, guarddomain.ErrInvalidFenceToken
	}

	start := s.clock.Now()

	if existing, err := s.getEvent(ctx, req.AccountID, req.FinalizationID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.duplicateResult(ctx, existing, start), nil
	}

	now := s.clock.Now()
	date := spend.DateKey(now)

	otherReserved, err := s.holds.ReservedTotal(ctx, req.AccountID)
	if err != nil {
		return nil, errors.Join(domain.ErrUnavailable, err)
	}
	otherReserved -= req.EstimateMicro
	if otherReserved < 0 {
		otherReserved = 0
	}

	event := domain.UsageEvent{
		ID:             s.genID.Generate(),
		AccountID:      req.AccountID,
		FinalizationID: req.FinalizationID,
		ReservationID:  req.ReservationID,
		State:          domain.StateFinalized,
		EstimateMicro:  req.EstimateMicro.Int64(),
		FenceToken:     req.FenceToken,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	cost := req.CostMicro

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guard.VerifyAndAdvanceFenceTx(ctx, tx, req.AccountID, req.FenceToken); err != nil {
			return err
		}

		var spentToday int64
		if err := tx.Raw(`
			SELECT COALESCE(SUM(spent_micro), 0)
			FROM daily_agent_spending
			WHERE account_id = ? AND spending_date = ?
		`, req.AccountID, date).Scan(&spentToday).Error; err != nil {
			return err
		}

		headroom := s.dailyCap() - micro.Amount(spentToday) - otherReserved
		if headroom < 0 {
			headroom = 0
		}
		if cost > headroom {
			if !req.AllowCap {
				event.State = domain.StateBudgetExceeded
				event.CostMicro = req.CostMicro.Int64()
				return insertEvent(ctx, tx, &event)
			}
			cost = headroom
			event.Capped = true
		}
		event.CostMicro = cost.Int64()

		if err := insertEvent(ctx, tx, &event); err != nil {
			return err
		}

		if cost > 0 {
			if _, err := s.ledger.DebitLotsTx(ctx, tx, req.AccountID, cost, usageReference(req.FinalizationID)); err != nil {
				return err
			}
			if err := spend.IncrSpendingTx(ctx, tx, req.AccountID, date, cost); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case txErr == nil:
	case errors.Is(txErr, errDuplicateEvent):
		existing, err := s.getEvent(ctx, req.AccountID, req.FinalizationID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.ErrUnavailable
		}
		return s.duplicateResult(ctx, existing, start), nil
	case errors.Is(txErr, guarddomain.ErrStaleFence):
		s.recordFinalize(ctx, domain.StateStaleFence, start)
		s.log.Warn("finalize rejected on stale fence",
			zap.String("account_id", req.AccountID.String()),
			zap.String("finalization_id", req.FinalizationID),
			zap.Int64("fence_token", req.FenceToken))
		return &domain.FinalizeResult{
			State:      domain.StateStaleFence,
			FenceToken: req.FenceToken,
		}, nil
	default:
		return nil, txErr
	}

	s.settleHolds(ctx, req, event.State, cost, date)
	s.recordFinalize(ctx, event.State, start)

	result := &domain.FinalizeResult{
		State:      event.State,
		EventID:    event.ID,
		CostMicro:  micro.Amount(event.CostMicro),
		Capped:     event.Capped,
		FenceToken: req.FenceToken,
	}
	if event.State == domain.StateBudgetExceeded {
		result.CostMicro = 0
	}

	if balance, err := s.ledger.GetBalance(ctx, req.AccountID); err == nil {
		result.BalanceMicro = balance
	} else {
		s.log.Warn("balance lookup after finalize failed",
			zap.String("account_id", req.AccountID.String()), zap.Error(err))
	}

	return result, nil
}

// settleHolds adjusts the cache tier after the durable commit. All of
// it is best effort; reconciliation and the drift audit repair missed
// writes.
func (s *budgetService) settleHolds(ctx context.Context, req domain.FinalizeRequest, state domain.EventState, cost micro.Amount, date string) {
	if state == domain.StateFinalized && cost > 0 {
		s.counter.IncrCache(ctx, req.AccountID, date, cost)
		if _, err := s.holds.AddCommitted(ctx, req.AccountID, cost); err != nil {
			s.log.Warn("committed hold update failed",
				zap.String("account_id", req.AccountID.String()), zap.Error(err))
		}
	}
	if req.EstimateMicro > 0 {
		if err := s.holds.ReleaseReserved(ctx, req.AccountID, req.EstimateMicro); err != nil {
			s.log.Warn("reserved hold release failed",
				zap.String("account_id", req.AccountID.String()), zap.Error(err))
		}
	}
}

// duplicateResult reports the stored outcome of an earlier finalize
// without repeating any of its side effects.
func (s *budgetService) duplicateResult(ctx context.Context, event *domain.UsageEvent, start time.Time) *domain.FinalizeResult {
	s.recordFinalize(ctx, domain.StateDuplicate, start)

	result := &domain.FinalizeResult{
		State:      domain.StateDuplicate,
		EventID:    event.ID,
		CostMicro:  micro.Amount(event.CostMicro),
		Capped:     event.Capped,
		FenceToken: event.FenceToken,
	}
	if event.State == domain.StateBudgetExceeded {
		result.CostMicro = 0
	}
	if balance, err := s.ledger.GetBalance(ctx, event.AccountID); err == nil {
		result.BalanceMicro = balance
	}
	return result
}

func (s *budgetService) getEvent(ctx context.Context, account snowflake.ID, finalizationID string) (*domain.UsageEvent, error) {
	var event domain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND finalization_id = ?", account, finalizationID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func insertEvent(ctx context.Context, tx *gorm.DB, event *domain.UsageEvent) error {
	res := tx.WithContext(ctx).Exec(`
		INSERT INTO usage_events
			(id, account_id, finalization_id, reservation_id, state, estimate_micro, cost_micro, fence_token, capped, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, finalization_id) DO NOTHING
	`, event.ID, event.AccountID, event.FinalizationID, event.ReservationID,
		event.State, event.EstimateMicro, event.CostMicro, event.FenceToken,
		event.Capped, event.Metadata, event.CreatedAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errDuplicateEvent
	}
	return nil
}

func (s *budgetService) DailySpent(ctx context.Context, account snowflake.ID) (micro.Amount, error) {
	if account == 0 {
		return 0, domain.ErrInvalidAccount
	}
	spent, err := s.counter.Get(ctx, account, spend.DateKey(s.clock.Now()))
	if err != nil {
		return 0, errors.Join(domain.ErrUnavailable, err)
	}
	return spent, nil
}

func (s *budgetService) recordReservation(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordReservation(ctx, outcome)
	}
}

func (s *budgetService) recordFinalize(ctx context.Context, state domain.EventState, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordFinalize(ctx, string(state), s.clock.Now().Sub(start))
	}
}
