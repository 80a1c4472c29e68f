package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Deduction outcome markers stored on ledger entries.
const (
	// LedgerStatusSuccess marks a committed deduction.
	LedgerStatusSuccess = "success"
	// LedgerStatusInsufficientCredits marks an attempt rejected for funds.
	LedgerStatusInsufficientCredits = "insufficient_credits"
)

// LedgerEntry is the immutable audit record of a deduction attempt.
//
// Rows are append-only: they are never updated or deleted after insert. The
// (request_id, status) pair is unique so an idempotent replay of a committed
// deduction is detectable while a retry after topping up a previously
// insufficient balance can still complete.
type LedgerEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex:idx_ledger_request_status"` // Caller-supplied dedup key.
	Status    string `gorm:"type:text;not null;uniqueIndex:idx_ledger_request_status"` // Deduction outcome.

	UserID   uint64 `gorm:"not null;index"`           // Charged user.
	Provider string `gorm:"type:text;not null;index"` // Provider name.
	Model    string `gorm:"type:text;not null;index"` // Model name.

	InputTokens       int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens      int64 `gorm:"not null;default:0"` // Output token count.
	CachedInputTokens int64 `gorm:"not null;default:0"` // Cached input token count.

	VendorCostUSD    decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Upstream vendor cost.
	MarginMultiplier decimal.Decimal `gorm:"type:decimal(10,4);not null"`  // Multiplier applied.

	InputCredits  decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Credits attributed to input.
	OutputCredits decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Credits attributed to output.
	TotalCredits  decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Credits debited, equals input + output.

	GrossMarginUSD     decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Charged minus vendor cost, in USD.
	GrossMarginPercent decimal.Decimal `gorm:"type:decimal(10,4);not null"`  // Gross margin as a percentage of charge.

	Detail datatypes.JSON `gorm:"type:jsonb"` // Auxiliary context for audits.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
