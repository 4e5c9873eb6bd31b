package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/smallbiznis/ledgerguard/internal/micro"
)

type EventState string

const (
	StateFinalized      EventState = "FINALIZED"
	StateDuplicate      EventState = "DUPLICATE"
	StateStaleFence     EventState = "STALE_FENCE"
	StateBudgetExceeded EventState = "BUDGET_EXCEEDED"
)

var (
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidEstimate       = errors.New("invalid_estimate")
	ErrInvalidCost           = errors.New("invalid_cost")
	ErrInvalidFinalizationID = errors.New("invalid_finalization_id")
	ErrBudgetExceeded        = errors.New("budget_exceeded")
	ErrRateLimited           = errors.New("rate_limited")
	ErrUnavailable           = errors.New("budget_unavailable")
)

// UsageEvent is the durable record of one finalized inference call.
// The (account_id, finalization_id) unique index makes Finalize
// idempotent under retries.
type UsageEvent struct {
	ID             snowflake.ID   `gorm:"column:id;primaryKey"`
	AccountID      snowflake.ID   `gorm:"column:account_id;uniqueIndex:ux_usage_events_finalization,priority:1"`
	FinalizationID string         `gorm:"column:finalization_id;uniqueIndex:ux_usage_events_finalization,priority:2"`
	ReservationID  string         `gorm:"column:reservation_id"`
	State          EventState     `gorm:"column:state"`
	EstimateMicro  int64          `gorm:"column:estimate_micro"`
	CostMicro      int64          `gorm:"column:cost_micro"`
	FenceToken     int64          `gorm:"column:fence_token"`
	Capped         bool           `gorm:"column:capped"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

type ReserveRequest struct {
	AccountID     snowflake.ID `json:"account_id"`
	EstimateMicro micro.Amount `json:"estimate_micro"`
}

// Reservation is a soft hold: it lives in the cache tier with a TTL
// and never blocks a finalize on its own.
type Reservation struct {
	ReservationID string       `json:"reservation_id"`
	AccountID     snowflake.ID `json:"account_id"`
	FenceToken    int64        `json:"fence_token"`
	EstimateMicro micro.Amount `json:"estimate_micro"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

type FinalizeRequest struct {
	AccountID      snowflake.ID   `json:"account_id"`
	FinalizationID string         `json:"finalization_id"`
	ReservationID  string         `json:"reservation_id"`
	FenceToken     int64          `json:"fence_token"`
	CostMicro      micro.Amount   `json:"cost_micro"`
	EstimateMicro  micro.Amount   `json:"estimate_micro"`
	AllowCap       bool           `json:"allow_cap"`
	Metadata       datatypes.JSON `json:"metadata"`
}

type FinalizeResult struct {
	State        EventState   `json:"state"`
	EventID      snowflake.ID `json:"event_id,omitempty"`
	CostMicro    micro.Amount `json:"cost_micro"`
	Capped       bool         `json:"capped"`
	BalanceMicro micro.Amount `json:"balance_micro"`
	FenceToken   int64        `json:"fence_token"`
}

type Service interface {
	// Reserve acquires a fence token and a soft daily-cap hold.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)

	// Finalize settles the actual cost: fence check, daily cap, lot
	// debit, and the durable usage event, all in one transaction.
	Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error)

	// DailySpent reports the committed spend for the account's current
	// spending day.
	DailySpent(ctx context.Context, account snowflake.ID) (micro.Amount, error)
}
