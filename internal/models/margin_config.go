package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginScope identifies how widely a margin config applies.
type MarginScope string

// MarginScope constants, from widest to narrowest.
const (
	// MarginScopeGlobal applies to every request.
	MarginScopeGlobal MarginScope = "global"
	// MarginScopeTier applies to one subscription tier.
	MarginScopeTier MarginScope = "tier"
	// MarginScopeProvider applies to one provider.
	MarginScopeProvider MarginScope = "provider"
	// MarginScopeModel applies to one provider/model pair.
	MarginScopeModel MarginScope = "model"
	// MarginScopeCombination applies to one tier/provider/model triple.
	MarginScopeCombination MarginScope = "combination"
)

// ApprovalStatus tracks the review state of a margin config.
type ApprovalStatus string

// ApprovalStatus constants.
const (
	// ApprovalPending marks a config awaiting review.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved marks a config cleared for billing.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected marks a config that must never resolve.
	ApprovalRejected ApprovalStatus = "rejected"
)

// MarginConfig defines a margin multiplier for a billing scope.
//
// Only approved, active, currently-effective rows participate in resolution.
type MarginConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ScopeType MarginScope `gorm:"type:text;not null;index"` // Scope granularity.

	Tier     string `gorm:"type:text;index"` // Subscription tier filter, when scoped.
	Provider string `gorm:"type:text;index"` // Provider filter, when scoped.
	Model    string `gorm:"type:text;index"` // Model filter, when scoped.

	MarginMultiplier         decimal.Decimal `gorm:"type:decimal(10,4);not null"` // Factor applied to vendor cost, >= 1.0.
	TargetGrossMarginPercent decimal.Decimal `gorm:"type:decimal(10,4)"`          // Informational margin target.

	ApprovalStatus ApprovalStatus `gorm:"type:text;not null;default:'pending'"` // Review state.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the effective window.
	EffectiveUntil *time.Time `gorm:"index"`          // End of the effective window; nil means open-ended.

	IsActive bool `gorm:"not null;default:true"` // Whether the row may resolve.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Resolvable reports whether the config may participate in resolution at the
// given instant.
func (c *MarginConfig) Resolvable(at time.Time) bool {
	if c == nil || !c.IsActive || c.ApprovalStatus != ApprovalApproved {
		return false
	}
	if c.EffectiveFrom.After(at) {
		return false
	}
	if c.EffectiveUntil != nil && !c.EffectiveUntil.After(at) {
		return false
	}
	return true
}
