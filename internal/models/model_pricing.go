package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelPricing stores effective-dated vendor unit prices for a provider/model.
//
// Superseded records are never updated in place; new pricing is inserted with
// a fresh effective window and the old row keeps its history.
type ModelPricing struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider      string `gorm:"type:text;not null;index:idx_pricing_provider_model"` // Provider name, lowercase.
	Model         string `gorm:"type:text;not null;index:idx_pricing_provider_model"` // Platform-facing model name.
	VendorModelID string `gorm:"type:text"`                                           // Vendor-side model identifier.

	InputPricePer1K      decimal.Decimal  `gorm:"type:decimal(20,10);not null"` // USD per 1000 input tokens.
	OutputPricePer1K     decimal.Decimal  `gorm:"type:decimal(20,10);not null"` // USD per 1000 output tokens.
	CacheInputPricePer1K *decimal.Decimal `gorm:"type:decimal(20,10)"`          // USD per 1000 cache-write tokens, if offered.
	CacheHitPricePer1K   *decimal.Decimal `gorm:"type:decimal(20,10)"`          // USD per 1000 cache-read tokens, if offered.

	// BlendedRate marks legacy models that publish a single per-1k rate.
	// When set, InputPricePer1K and OutputPricePer1K carry the same value and
	// per-component cost attribution is approximate.
	BlendedRate bool `gorm:"not null;default:false"`

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Start of the effective window.
	EffectiveUntil *time.Time `gorm:"index"`          // End of the effective window; nil means open-ended.

	IsActive bool `gorm:"not null;default:true"` // Whether the record participates in resolution.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// EffectiveAt reports whether the record covers the given instant.
func (p *ModelPricing) EffectiveAt(at time.Time) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if p.EffectiveFrom.After(at) {
		return false
	}
	if p.EffectiveUntil != nil && !p.EffectiveUntil.After(at) {
		return false
	}
	return true
}
