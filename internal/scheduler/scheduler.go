package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/reconcile"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	LedgerSvc    ledgerdomain.Service
	GuardSvc     guarddomain.Service
	ReconcileSvc *reconcile.Service
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config `optional:"true"`

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	ledgerSvc    ledgerdomain.Service
	guardSvc     guarddomain.Service
	reconcileSvc *reconcile.Service
	metrics      *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.LedgerSvc == nil || p.GuardSvc == nil || p.ReconcileSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		ledgerSvc:    p.LedgerSvc,
		guardSvc:     p.GuardSvc,
		reconcileSvc: p.ReconcileSvc,
		metrics:      p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.RecordJobRun(ctx, name, s.clock.Now().Sub(start), err != nil)
	}
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"expire_lots", s.isJobEnabled("expire_lots"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_lots", s.ExpireLotsJob)
		}},
		{"reconcile", s.isJobEnabled("reconcile"), func(ctx context.Context) error {
			return s.runJob(ctx, "reconcile", s.ReconcileJob)
		}},
		{"drift_audit", s.isJobEnabled("drift_audit"), func(ctx context.Context) error {
			return s.runJob(ctx, "drift_audit", s.DriftAuditJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireLotsJob sweeps lots past their expiry. Each lot retires in its
// own transaction with a deterministic reference id, so a crashed or
// repeated sweep converges instead of double-expiring.
func (s *Scheduler) ExpireLotsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_lots", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		lots, err := s.ledgerSvc.ListExpirable(ctx, s.clock.Now(), s.cfg.BatchSize)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.expire.list.failed", "expire_lots", err)
			return errors.Join(jobErr, err)
		}
		if len(lots) == 0 {
			return jobErr
		}

		expired := 0
		for _, lot := range lots {
			entry, err := s.ledgerSvc.ExpireLot(ctx, lot.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logJobError(ctx, run, "scheduler.expire.lot.failed", "expire_lots", err,
					zap.String("lot_id", lot.ID.String()),
					zap.String("account_id", lot.AccountID.String()),
				)
				continue
			}
			expired++
			run.AddProcessed(1)
			if entry == nil {
				continue
			}
			s.logger(ctx).Info("scheduler.lot.expired",
				zap.String("lot_id", lot.ID.String()),
				zap.String("account_id", lot.AccountID.String()),
				zap.Int64("expired_micro", entry.AmountMicro.Abs().Int64()),
			)
		}
		// A pass that expired nothing will list the same lots again;
		// stop instead of retrying them until the job deadline.
		if expired == 0 {
			return jobErr
		}
	}
}

// ReconcileJob replays finalized usage events into the cache tier.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reconcile", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	results, err := s.reconcileSvc.Run(ctx, s.cfg.BatchSize)
	for _, res := range results {
		run.AddProcessed(res.Replayed)
	}
	if err != nil {
		s.logJobError(ctx, run, "scheduler.reconcile.failed", "reconcile", err)
	}
	return err
}

// DriftAuditJob checks conservation for every account with usage and
// lets the guard trip the breaker where drift is out of band.
func (s *Scheduler) DriftAuditJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "drift_audit", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	accounts, err := s.guardSvc.ListAuditAccounts(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.audit.list.failed", "drift_audit", err)
		return err
	}

	var jobErr error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		report, err := s.guardSvc.CheckConservation(ctx, account)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.audit.check.failed", "drift_audit", err,
				zap.String("account_id", account.String()),
			)
			continue
		}
		run.AddProcessed(1)
		if report.Tripped || !report.WithinTolerance {
			s.logger(ctx).Warn("scheduler.audit.drift",
				zap.String("account_id", account.String()),
				zap.Int64("drift_micro", report.DriftMicro.Int64()),
				zap.Bool("tripped", report.Tripped),
			)
		}
	}
	return jobErr
}
