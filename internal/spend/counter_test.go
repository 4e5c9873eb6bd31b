package spend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/micro"
)

type brokenTier struct{}

func (brokenTier) Name() string { return "broken" }

func (brokenTier) Incr(context.Context, snowflake.ID, string, micro.Amount) (micro.Amount, error) {
	return 0, ErrTierUnavailable
}

func (brokenTier) Get(context.Context, snowflake.ID, string) (micro.Amount, bool, error) {
	return 0, false, ErrTierUnavailable
}

func openSpendDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE daily_agent_spending (
		account_id INTEGER NOT NULL,
		spending_date TEXT NOT NULL,
		spent_micro INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (account_id, spending_date)
	)`).Error)
	return db
}

func TestCounterFallsThroughBrokenTier(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	account := node.Generate()
	date := DateKey(time.Now())

	counter := NewCounter(zap.NewNop(), brokenTier{}, NewMemoryTier())

	total, err := counter.Incr(ctx, account, date, micro.Amount(250_000))
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(250_000), total)

	got, err := counter.Get(ctx, account, date)
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(250_000), got)
}

func TestCounterAllTiersDownIsAnError(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	counter := NewCounter(zap.NewNop(), brokenTier{})

	_, err = counter.Incr(ctx, node.Generate(), DateKey(time.Now()), micro.Amount(1))
	assert.True(t, errors.Is(err, ErrAllTiersUnavailable))

	_, err = counter.Get(ctx, node.Generate(), DateKey(time.Now()))
	assert.True(t, errors.Is(err, ErrAllTiersUnavailable))
}

func TestIncrCacheStopsBeforeDurableTier(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	account := node.Generate()
	date := DateKey(time.Now())

	db := openSpendDB(t)
	mem := NewMemoryTier()
	durable := NewDurableTier(db)
	counter := NewCounter(zap.NewNop(), mem, durable)

	counter.IncrCache(ctx, account, date, micro.Amount(400_000))

	cached, found, err := mem.Get(ctx, account, date)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, micro.Amount(400_000), cached)

	_, found, err = durable.Get(ctx, account, date)
	require.NoError(t, err)
	assert.False(t, found, "cache refresh must not touch the durable row")
}

func TestDurableTierUpsertAccumulates(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	account := node.Generate()
	date := "2026-03-01"

	durable := NewDurableTier(openSpendDB(t))

	total, err := durable.Incr(ctx, account, date, micro.Amount(100_000))
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(100_000), total)

	total, err = durable.Incr(ctx, account, date, micro.Amount(50_000))
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(150_000), total)

	got, found, err := durable.Get(ctx, account, date)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, micro.Amount(150_000), got)
}

func TestDateKeyIsAlwaysUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// 23:30 Pacific has already rolled over in UTC.
	local := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
	assert.Equal(t, "2026-03-02", DateKey(local))
}

func TestHoldStoreMemoryFallback(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	account := node.Generate()

	holds := NewHoldStore(nil, time.Minute, zap.NewNop())

	reserved, err := holds.AddReserved(ctx, account, micro.Amount(300_000))
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(300_000), reserved)

	reserved, err = holds.AddReserved(ctx, account, micro.Amount(200_000))
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(500_000), reserved)

	require.NoError(t, holds.ReleaseReserved(ctx, account, micro.Amount(300_000)))
	total, err := holds.ReservedTotal(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(200_000), total)

	// Over-release clamps at zero instead of going negative.
	require.NoError(t, holds.ReleaseReserved(ctx, account, micro.Amount(900_000)))
	total, err = holds.ReservedTotal(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, micro.Amount(0), total)
}

func TestHoldStoreColdCommittedIsNotFound(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	account := node.Generate()

	holds := NewHoldStore(nil, time.Minute, zap.NewNop())

	_, found, err := holds.CommittedTotal(ctx, account)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = holds.AddCommitted(ctx, account, micro.Amount(120_000))
	require.NoError(t, err)

	got, found, err := holds.CommittedTotal(ctx, account)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, micro.Amount(120_000), got)

	require.NoError(t, holds.SetCommitted(ctx, account, micro.Amount(75_000)))
	got, found, err = holds.CommittedTotal(ctx, account)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, micro.Amount(75_000), got)
}
