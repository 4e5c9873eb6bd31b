package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	budgetdomain "github.com/smallbiznis/ledgerguard/internal/budget/domain"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	guardservice "github.com/smallbiznis/ledgerguard/internal/guard/service"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ledgerguard/internal/ledger/service"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	budget budgetdomain.Service
	ledger ledgerdomain.Service
	guard  guarddomain.Service
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupBudget(t *testing.T, capMicro int64) *fixture {
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
	prepareBudgetSchema(t, db)

	node := mustNode(t)
	log := zap.NewNop()
	clk := clock.NewSystemClock()
	cfg := config.Config{
		Guard: config.GuardConfig{WarnBasisPoints: 100, TripBasisPoints: 500},
		Spend: config.SpendConfig{
			DailyCapMicro:  capMicro,
			ReservationTTL: time.Minute,
		},
		Redis: config.RedisConfig{OpTimeout: 250 * time.Millisecond},
	}

	counter := spend.NewCounter(log, spend.NewDurableTier(db), spend.NewMemoryTier())
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
	budgetSvc := NewService(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Cfg:     cfg,
		Counter: counter,
		Holds:   holds,
		Guard:   guardSvc,
		Ledger:  ledgerSvc,
	})

	return &fixture{db: db, node: node, budget: budgetSvc, ledger: ledgerSvc, guard: guardSvc}
}

func prepareBudgetSchema(t *testing.T, db *gorm.DB) {
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
			reservation_id TEXT,
			state TEXT NOT NULL,
			estimate_micro BIGINT NOT NULL DEFAULT 0,
			cost_micro BIGINT NOT NULL DEFAULT 0,
			fence_token BIGINT NOT NULL DEFAULT 0,
			capped BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSON,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_usage_events_finalization
			ON usage_events (account_id, finalization_id)`,
		`CREATE TABLE daily_agent_spending (
			account_id BIGINT NOT NULL,
			spending_date TEXT NOT NULL,
			spent_micro BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, spending_date)
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

func mintLot(t *testing.T, f *fixture, account snowflake.ID, amount int64, expiresAt *time.Time) *ledgerdomain.CreditLot {
	t.Helper()
	lot, err := f.ledger.MintLot(context.Background(), ledgerdomain.MintLotRequest{
		AccountID:   account,
		Source:      ledgerdomain.LotSourceSeed,
		AmountMicro: micro.Amount(amount),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("mint lot: %v", err)
	}
	return lot
}

func countEvents(t *testing.T, db *gorm.DB, account snowflake.ID) int {
	t.Helper()
	var count int
	err := db.Raw(`SELECT COUNT(1) FROM usage_events WHERE account_id = ?`, account).Scan(&count).Error
	if err != nil {
		t.Fatalf("count usage events: %v", err)
	}
	return count
}

func TestFinalizeDebitsLotsAndIsIdempotent(t *testing.T) {
	f := setupBudget(t, 100_000_000)
	account := f.node.Generate()
	ctx := context.Background()

	expiry := time.Now().UTC().Add(24 * time.Hour)
	mintLot(t, f, account, 1_000_000, &expiry)

	res, err := f.budget.Reserve(ctx, budgetdomain.ReserveRequest{
		AccountID:     account,
		EstimateMicro: 300_000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.FenceToken <= 0 {
		t.Fatalf("expected positive fence token, got %d", res.FenceToken)
	}

	req := budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-001",
		ReservationID:  res.ReservationID,
		FenceToken:     res.FenceToken,
		CostMicro:      300_000,
		EstimateMicro:  res.EstimateMicro,
	}

	first, err := f.budget.Finalize(ctx, req)
	if err != nil {
		t.Fatalf("finalize first: %v", err)
	}
	if first.State != budgetdomain.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", first.State)
	}
	if first.CostMicro != 300_000 {
		t.Fatalf("expected cost 300000, got %d", first.CostMicro.Int64())
	}
	if first.BalanceMicro != 700_000 {
		t.Fatalf("expected balance 700000, got %d", first.BalanceMicro.Int64())
	}

	second, err := f.budget.Finalize(ctx, req)
	if err != nil {
		t.Fatalf("finalize duplicate: %v", err)
	}
	if second.State != budgetdomain.StateDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", second.State)
	}
	if second.CostMicro != 300_000 {
		t.Fatalf("expected duplicate cost 300000, got %d", second.CostMicro.Int64())
	}
	if second.BalanceMicro != 700_000 {
		t.Fatalf("duplicate must not debit again, balance %d", second.BalanceMicro.Int64())
	}

	if count := countEvents(t, f.db, account); count != 1 {
		t.Fatalf("expected 1 usage event, got %d", count)
	}

	spent, err := f.budget.DailySpent(ctx, account)
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 300_000 {
		t.Fatalf("expected daily spend 300000, got %d", spent.Int64())
	}
}

func TestFinalizeClampsAtDailyCap(t *testing.T) {
	f := setupBudget(t, 500_000)
	account := f.node.Generate()
	ctx := context.Background()

	mintLot(t, f, account, 1_000_000, nil)

	fence, err := f.guard.AcquireFence(ctx, account)
	if err != nil {
		t.Fatalf("acquire fence: %v", err)
	}

	result, err := f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-cap",
		FenceToken:     fence,
		CostMicro:      800_000,
		AllowCap:       true,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.State != budgetdomain.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", result.State)
	}
	if !result.Capped {
		t.Fatalf("expected capped result")
	}
	if result.CostMicro != 500_000 {
		t.Fatalf("expected cost clamped to 500000, got %d", result.CostMicro.Int64())
	}
	if result.BalanceMicro != 500_000 {
		t.Fatalf("expected balance 500000, got %d", result.BalanceMicro.Int64())
	}
}

func TestFinalizeRejectsOverCapWithoutClamp(t *testing.T) {
	f := setupBudget(t, 500_000)
	account := f.node.Generate()
	ctx := context.Background()

	mintLot(t, f, account, 1_000_000, nil)

	fence, err := f.guard.AcquireFence(ctx, account)
	if err != nil {
		t.Fatalf("acquire fence: %v", err)
	}

	result, err := f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-over",
		FenceToken:     fence,
		CostMicro:      800_000,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.State != budgetdomain.StateBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %s", result.State)
	}
	if result.CostMicro != 0 {
		t.Fatalf("rejected finalize must not charge, got %d", result.CostMicro.Int64())
	}

	balance, err := f.ledger.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1_000_000 {
		t.Fatalf("expected untouched balance, got %d", balance.Int64())
	}

	// The rejection is recorded, so a retry reports the same outcome.
	retry, err := f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-over",
		FenceToken:     fence,
		CostMicro:      800_000,
	})
	if err != nil {
		t.Fatalf("finalize retry: %v", err)
	}
	if retry.State != budgetdomain.StateDuplicate {
		t.Fatalf("expected DUPLICATE on retry, got %s", retry.State)
	}
}

func TestFinalizeStaleFenceLosesRace(t *testing.T) {
	f := setupBudget(t, 100_000_000)
	account := f.node.Generate()
	ctx := context.Background()

	mintLot(t, f, account, 1_000_000, nil)

	older, err := f.guard.AcquireFence(ctx, account)
	if err != nil {
		t.Fatalf("acquire older fence: %v", err)
	}
	newer, err := f.guard.AcquireFence(ctx, account)
	if err != nil {
		t.Fatalf("acquire newer fence: %v", err)
	}

	winner, err := f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-new",
		FenceToken:     newer,
		CostMicro:      100_000,
	})
	if err != nil {
		t.Fatalf("finalize newer: %v", err)
	}
	if winner.State != budgetdomain.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", winner.State)
	}

	loser, err := f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-old",
		FenceToken:     older,
		CostMicro:      100_000,
	})
	if err != nil {
		t.Fatalf("finalize older: %v", err)
	}
	if loser.State != budgetdomain.StateStaleFence {
		t.Fatalf("expected STALE_FENCE, got %s", loser.State)
	}

	if count := countEvents(t, f.db, account); count != 1 {
		t.Fatalf("stale fence must not record an event, got %d events", count)
	}

	balance, err := f.ledger.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 900_000 {
		t.Fatalf("expected single debit, balance %d", balance.Int64())
	}
}

func TestFinalizeInsufficientCreditRollsBack(t *testing.T) {
	f := setupBudget(t, 100_000_000)
	account := f.node.Generate()
	ctx := context.Background()

	mintLot(t, f, account, 100_000, nil)

	fence, err := f.guard.AcquireFence(ctx, account)
	if err != nil {
		t.Fatalf("acquire fence: %v", err)
	}

	_, err = f.budget.Finalize(ctx, budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: "call-poor",
		FenceToken:     fence,
		CostMicro:      300_000,
	})
	if !errors.Is(err, ledgerdomain.ErrInsufficientCredit) {
		t.Fatalf("expected insufficient_credit, got %v", err)
	}

	if count := countEvents(t, f.db, account); count != 0 {
		t.Fatalf("rolled back finalize must leave no event, got %d", count)
	}

	spent, err := f.budget.DailySpent(ctx, account)
	if err != nil {
		t.Fatalf("daily spent: %v", err)
	}
	if spent != 0 {
		t.Fatalf("rolled back finalize must not count spend, got %d", spent.Int64())
	}
}

func TestReserveRejectsPastDailyCap(t *testing.T) {
	f := setupBudget(t, 1_000_000)
	account := f.node.Generate()
	ctx := context.Background()

	if _, err := f.budget.Reserve(ctx, budgetdomain.ReserveRequest{
		AccountID:     account,
		EstimateMicro: 700_000,
	}); err != nil {
		t.Fatalf("reserve first: %v", err)
	}

	_, err := f.budget.Reserve(ctx, budgetdomain.ReserveRequest{
		AccountID:     account,
		EstimateMicro: 700_000,
	})
	if !errors.Is(err, budgetdomain.ErrBudgetExceeded) {
		t.Fatalf("expected budget_exceeded, got %v", err)
	}
}

func TestReserveRefusedWhileHalted(t *testing.T) {
	f := setupBudget(t, 100_000_000)
	account := f.node.Generate()
	ctx := context.Background()

	err := f.db.Exec(`
		INSERT INTO account_halts (account_id, halted, drift_micro, reason, halted_at)
		VALUES (?, TRUE, 0, 'test', ?)
	`, account, time.Now().UTC()).Error
	if err != nil {
		t.Fatalf("seed halt: %v", err)
	}

	_, err = f.budget.Reserve(ctx, budgetdomain.ReserveRequest{
		AccountID:     account,
		EstimateMicro: 1_000,
	})
	if !errors.Is(err, guarddomain.ErrConservationHalted) {
		t.Fatalf("expected conservation_halted, got %v", err)
	}
}
