package spend

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"gorm.io/gorm"
)

// DailySpending is the durable per-day counter row.
type DailySpending struct {
	AccountID    snowflake.ID `gorm:"primaryKey"`
	SpendingDate string       `gorm:"primaryKey;type:text"`
	SpentMicro   micro.Amount `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (DailySpending) TableName() string { return "daily_agent_spending" }

// DurableTier backs the counter with the record-of-truth store.
type DurableTier struct {
	db *gorm.DB
}

func NewDurableTier(db *gorm.DB) *DurableTier {
	if db == nil {
		return nil
	}
	return &DurableTier{db: db}
}

func (t *DurableTier) Name() string { return "durable" }

func (t *DurableTier) Incr(ctx context.Context, account snowflake.ID, date string, delta micro.Amount) (micro.Amount, error) {
	if t == nil || t.db == nil {
		return 0, ErrTierUnavailable
	}
	var total micro.Amount
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := IncrSpendingTx(ctx, tx, account, date, delta); err != nil {
			return err
		}
		return tx.WithContext(ctx).Raw(
			`SELECT spent_micro FROM daily_agent_spending WHERE account_id = ? AND spending_date = ?`,
			account, date,
		).Scan(&total).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return total, nil
}

func (t *DurableTier) Get(ctx context.Context, account snowflake.ID, date string) (micro.Amount, bool, error) {
	if t == nil || t.db == nil {
		return 0, false, ErrTierUnavailable
	}
	var rows []DailySpending
	if err := t.db.WithContext(ctx).Raw(
		`SELECT account_id, spending_date, spent_micro, updated_at
		 FROM daily_agent_spending WHERE account_id = ? AND spending_date = ?`,
		account, date,
	).Scan(&rows).Error; err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].SpentMicro, true, nil
}

// IncrSpendingTx is the increment-or-insert upsert, usable inside the
// finalize transaction so the durable counter moves with the usage
// event it accounts for.
func IncrSpendingTx(ctx context.Context, tx *gorm.DB, account snowflake.ID, date string, delta micro.Amount) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO daily_agent_spending (account_id, spending_date, spent_micro, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, spending_date)
		 DO UPDATE SET spent_micro = daily_agent_spending.spent_micro + ?, updated_at = ?`,
		account, date, delta, time.Now().UTC(), delta, time.Now().UTC(),
	).Error
}
