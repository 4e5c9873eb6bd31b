package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/ledgerguard/internal/micro"
)

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidFenceToken   = errors.New("invalid_fence_token")
	ErrStaleFence          = errors.New("stale_fence")
	ErrConservationHalted  = errors.New("conservation_halted")
	ErrHaltStillDrifting   = errors.New("halt_still_drifting")
	ErrHaltNotFound        = errors.New("halt_not_found")
)

// FenceToken tracks the highest fence accepted per account, plus the
// highest fence ever issued by the durable fallback allocator.
type FenceToken struct {
	AccountID snowflake.ID `gorm:"column:account_id;primaryKey"`
	Token     int64        `gorm:"column:token"`
	Issued    int64        `gorm:"column:issued"`
	UpdatedAt time.Time    `gorm:"column:updated_at"`
}

func (FenceToken) TableName() string { return "fence_tokens" }

type AccountHalt struct {
	AccountID  snowflake.ID `gorm:"column:account_id;primaryKey"`
	Halted     bool         `gorm:"column:halted"`
	DriftMicro int64        `gorm:"column:drift_micro"`
	Reason     string       `gorm:"column:reason"`
	HaltedAt   time.Time    `gorm:"column:halted_at"`
	ClearedAt  *time.Time   `gorm:"column:cleared_at"`
}

func (AccountHalt) TableName() string { return "account_halts" }

// Report is the outcome of one conservation check. Drift is the cache
// total minus the durable total, so a positive drift means the cache
// claims more spend than the ledger recorded.
type Report struct {
	AccountID       snowflake.ID `json:"account_id"`
	CacheMicro      micro.Amount `json:"cache_micro"`
	DurableMicro    micro.Amount `json:"durable_micro"`
	DriftMicro      micro.Amount `json:"drift_micro"`
	WarnMicro       micro.Amount `json:"warn_micro"`
	TripMicro       micro.Amount `json:"trip_micro"`
	CacheCold       bool         `json:"cache_cold"`
	WithinTolerance bool         `json:"within_tolerance"`
	Tripped         bool         `json:"tripped"`
	CheckedAt       time.Time    `json:"checked_at"`
}

type Service interface {
	// AcquireFence hands out a token strictly greater than any token this
	// process has handed out before for the account.
	AcquireFence(ctx context.Context, accountID snowflake.ID) (int64, error)

	// VerifyAndAdvanceFenceTx compares the token against the durable
	// high-water mark and advances it in the same transaction. A token
	// that is not strictly greater returns ErrStaleFence.
	VerifyAndAdvanceFenceTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, token int64) error

	CheckConservation(ctx context.Context, accountID snowflake.ID) (*Report, error)
	IsHalted(ctx context.Context, accountID snowflake.ID) (bool, error)
	ClearHalt(ctx context.Context, accountID snowflake.ID) error

	// ListAuditAccounts returns accounts with recorded usage, for the
	// periodic drift audit.
	ListAuditAccounts(ctx context.Context, limit int) ([]snowflake.ID, error)
}
