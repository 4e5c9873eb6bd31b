package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guardservice "github.com/smallbiznis/ledgerguard/internal/guard/service"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ledgerguard/internal/ledger/service"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/reconcile"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

type fixture struct {
	sched  *Scheduler
	db     *gorm.DB
	node   *snowflake.Node
	clk    *clock.FakeClock
	holds  spend.HoldStore
	ledger ledgerdomain.Service
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupScheduler(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	prepareSchema(t, db)

	node := mustNode(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Guard: config.GuardConfig{WarnBasisPoints: 100, TripBasisPoints: 500},
		Spend: config.SpendConfig{DailyCapMicro: 100_000_000, ReservationTTL: time.Minute},
		Redis: config.RedisConfig{OpTimeout: 250 * time.Millisecond},
	}
	holds := spend.NewHoldStore(nil, time.Minute, log)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	guardSvc := guardservice.NewService(guardservice.Params{
		DB:      db,
		Log:     log,
		Cfg:     cfg,
		Dynamic: config.NewDynamic(cfg, log),
		Holds:   holds,
		Clock:   clk,
	})
	reconcileSvc := reconcile.NewService(reconcile.Params{
		DB:    db,
		Log:   log,
		Cfg:   cfg,
		Clock: clk,
		Holds: holds,
	})

	sched, err := New(Params{
		DB:           db,
		Log:          log,
		LedgerSvc:    ledgerSvc,
		GuardSvc:     guardSvc,
		ReconcileSvc: reconcileSvc,
		GenID:        node,
		Clock:        clk,
		Config:       Config{BatchSize: 10, JobTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return &fixture{sched: sched, db: db, node: node, clk: clk, holds: holds, ledger: ledgerSvc}
}

func prepareSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE credit_lots (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			source TEXT NOT NULL,
			amount_micro BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE lot_entries (
			id BIGINT PRIMARY KEY,
			lot_id BIGINT NOT NULL,
			entry_type TEXT NOT NULL,
			amount_micro BIGINT NOT NULL,
			reference_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_lot_entries_ref
			ON lot_entries (lot_id, reference_id, entry_type)`,
		`CREATE TABLE usage_events (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			finalization_id TEXT NOT NULL,
			state TEXT NOT NULL,
			cost_micro BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE reconciliation_cursors (
			account_id BIGINT PRIMARY KEY,
			last_event_id BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fence_tokens (
			account_id BIGINT PRIMARY KEY,
			token BIGINT NOT NULL DEFAULT 0,
			issued BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE account_halts (
			account_id BIGINT PRIMARY KEY,
			halted BOOLEAN NOT NULL DEFAULT FALSE,
			drift_micro BIGINT NOT NULL DEFAULT 0,
			reason TEXT,
			halted_at DATETIME NOT NULL,
			cleared_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

func TestExpireLotsJobSweepsAndConverges(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	account := f.node.Generate()

	expiry := f.clk.Now().Add(1 * time.Hour)
	lot, err := f.ledger.MintLot(ctx, ledgerdomain.MintLotRequest{
		AccountID:   account,
		Source:      ledgerdomain.LotSourceSeed,
		AmountMicro: micro.Amount(1_000_000),
		ExpiresAt:   &expiry,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.ledger.DebitLots(ctx, account, 300_000, "call-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	// Before expiry the sweep finds nothing.
	if err := f.sched.ExpireLotsJob(ctx); err != nil {
		t.Fatalf("sweep before expiry: %v", err)
	}
	var status string
	if err := f.db.Raw(`SELECT status FROM credit_lots WHERE id = ?`, lot.ID).Scan(&status).Error; err != nil {
		t.Fatalf("lot status: %v", err)
	}
	if status != "active" {
		t.Fatalf("lot expired early, status %s", status)
	}

	f.clk.Advance(2 * time.Hour)

	if err := f.sched.ExpireLotsJob(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// A repeated sweep is a no-op.
	if err := f.sched.ExpireLotsJob(ctx); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}

	var entryCount int
	if err := f.db.Raw(`SELECT COUNT(1) FROM lot_entries WHERE entry_type = 'expiry'`).Scan(&entryCount).Error; err != nil {
		t.Fatalf("count expiry entries: %v", err)
	}
	if entryCount != 1 {
		t.Fatalf("expected exactly one expiry entry, got %d", entryCount)
	}

	var expired int64
	if err := f.db.Raw(`SELECT amount_micro FROM lot_entries WHERE entry_type = 'expiry'`).Scan(&expired).Error; err != nil {
		t.Fatalf("expiry amount: %v", err)
	}
	if expired != -700_000 {
		t.Fatalf("expected -700000 expiry entry, got %d", expired)
	}

	balance, err := f.ledger.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected zero balance after sweep, got %d", balance.Int64())
	}
}

func TestExpireLotsJobStopsWhenNoLotCanExpire(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	account := f.node.Generate()

	expiry := f.clk.Now().Add(1 * time.Hour)
	lot, err := f.ledger.MintLot(ctx, ledgerdomain.MintLotRequest{
		AccountID:   account,
		Source:      ledgerdomain.LotSourceSeed,
		AmountMicro: micro.Amount(1_000_000),
		ExpiresAt:   &expiry,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.clk.Advance(2 * time.Hour)

	// Make every ExpireLot attempt fail while the lot stays listable,
	// so a sweep pass completes with zero expiries.
	if err := f.db.Exec(`DROP TABLE lot_entries`).Error; err != nil {
		t.Fatalf("drop entries: %v", err)
	}

	// The sweep must surface the failure after one pass instead of
	// re-listing the same lot until the job deadline.
	if err := f.sched.ExpireLotsJob(ctx); err == nil {
		t.Fatalf("expected sweep error when no lot can expire")
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM credit_lots WHERE id = ?`, lot.ID).Scan(&status).Error; err != nil {
		t.Fatalf("lot status: %v", err)
	}
	if status != "active" {
		t.Fatalf("failed expiry must leave the lot active, status %s", status)
	}
}

func TestReconcileJobAdvancesCursors(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	account := f.node.Generate()

	err := f.db.Exec(`
		INSERT INTO usage_events (id, account_id, finalization_id, state, cost_micro, created_at)
		VALUES (?, ?, 'call-r1', 'FINALIZED', 250000, ?)
	`, f.node.Generate(), account, f.clk.Now()).Error
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := f.sched.ReconcileJob(ctx); err != nil {
		t.Fatalf("reconcile job: %v", err)
	}

	total, found, err := f.holds.CommittedTotal(ctx, account)
	if err != nil || !found {
		t.Fatalf("committed total: found=%v err=%v", found, err)
	}
	if total != 250_000 {
		t.Fatalf("expected cache committed 250000, got %d", total.Int64())
	}
}

func TestDriftAuditJobTripsBreaker(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	account := f.node.Generate()

	err := f.db.Exec(`
		INSERT INTO usage_events (id, account_id, finalization_id, state, cost_micro, created_at)
		VALUES (?, ?, 'call-d1', 'FINALIZED', 40000000, ?)
	`, f.node.Generate(), account, f.clk.Now()).Error
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	// Cache claims 10 units more than the ledger recorded, past the 5%
	// trip band of the 100-unit daily cap.
	if err := f.holds.SetCommitted(ctx, account, 50_000_000); err != nil {
		t.Fatalf("seed drifted cache: %v", err)
	}

	if err := f.sched.DriftAuditJob(ctx); err != nil {
		t.Fatalf("drift audit: %v", err)
	}

	var halted bool
	if err := f.db.Raw(`SELECT halted FROM account_halts WHERE account_id = ?`, account).Scan(&halted).Error; err != nil {
		t.Fatalf("halt lookup: %v", err)
	}
	if !halted {
		t.Fatalf("expected breaker tripped by audit")
	}
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := setupScheduler(t)
	f.sched.cfg.EnabledJobs = []string{"reconcile"}

	if f.sched.isJobEnabled("expire_lots") {
		t.Fatalf("expire_lots should be disabled")
	}
	if !f.sched.isJobEnabled("reconcile") {
		t.Fatalf("reconcile should be enabled")
	}

	if err := f.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
}
