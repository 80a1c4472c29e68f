package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditBalance holds a user's remaining platform credits.
//
// The row is mutated exclusively by the balance ledger under a transaction;
// no other code path may write it.
type CreditBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"` // Owning user; one row per user.

	Amount decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Remaining credits, never negative.

	LastDeductionAt *time.Time // Time of the most recent successful deduction.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
