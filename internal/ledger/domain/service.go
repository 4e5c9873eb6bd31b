package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"gorm.io/gorm"
)

type MintLotRequest struct {
	AccountID   snowflake.ID
	Source      LotSource
	AmountMicro micro.Amount
	ExpiresAt   *time.Time
}

// Service is the credit-lot ledger. Tx variants run against the
// caller's open transaction so a debit commits or rolls back with the
// usage event it pays for.
type Service interface {
	MintLot(ctx context.Context, req MintLotRequest) (*CreditLot, error)
	DebitLots(ctx context.Context, account snowflake.ID, amount micro.Amount, referenceID string) ([]LotEntry, error)
	DebitLotsTx(ctx context.Context, tx *gorm.DB, account snowflake.ID, amount micro.Amount, referenceID string) ([]LotEntry, error)
	GetBalance(ctx context.Context, account snowflake.ID) (micro.Amount, error)
	ListLots(ctx context.Context, account snowflake.ID) ([]CreditLot, error)

	// ExpireLot retires one lot in its own transaction: an expiry entry
	// for the remaining balance, status flipped to expired. Re-running
	// against an already-expired lot is a no-op.
	ExpireLot(ctx context.Context, lotID snowflake.ID) (*LotEntry, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]CreditLot, error)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSource      = errors.New("invalid_source")
	ErrInvalidReference   = errors.New("invalid_reference")
	ErrLotNotFound        = errors.New("lot_not_found")
	ErrInsufficientCredit = errors.New("insufficient_credit")
)
