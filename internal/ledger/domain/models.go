package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

// LotSource describes how a credit lot was granted.
type LotSource string

const (
	LotSourceSeed     LotSource = "seed"
	LotSourcePurchase LotSource = "purchase"
	LotSourceGrant    LotSource = "grant"
)

type LotStatus string

const (
	LotStatusActive  LotStatus = "active"
	LotStatusExpired LotStatus = "expired"
)

// EntryType classifies a ledger posting line.
type EntryType string

const (
	EntryTypeCredit EntryType = "credit"
	EntryTypeDebit  EntryType = "debit"
	EntryTypeExpiry EntryType = "expiry"
)

// CreditLot is a discrete grant of prepaid credit. AmountMicro is
// immutable after creation; consumption is recorded only through
// entries.
type CreditLot struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	AccountID   snowflake.ID `gorm:"not null;index"`
	Source      LotSource    `gorm:"type:text;not null"`
	AmountMicro micro.Amount `gorm:"not null"`
	ExpiresAt   *time.Time
	Status      LotStatus `gorm:"type:text;not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditLot) TableName() string { return "credit_lots" }

// LotEntry is one append-only line of the double-entry ledger. Credits
// are positive, debits and expiries negative; a lot's balance is its
// AmountMicro plus the signed sum of its entries and never goes
// negative.
type LotEntry struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	LotID       snowflake.ID `gorm:"not null;index;uniqueIndex:ux_lot_entries_ref,priority:1"`
	EntryType   EntryType    `gorm:"type:text;not null;uniqueIndex:ux_lot_entries_ref,priority:3"`
	AmountMicro micro.Amount `gorm:"not null"`
	ReferenceID string       `gorm:"type:text;not null;index;uniqueIndex:ux_lot_entries_ref,priority:2"`
	CreatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (LotEntry) TableName() string { return "lot_entries" }
