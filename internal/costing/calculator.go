// Package costing turns token usage into vendor cost and credit charges
// using exact decimal arithmetic.
package costing

import (
	"errors"
	"fmt"

	"github.com/meterwise/creditengine/internal/models"
	"github.com/shopspring/decimal"
)

// CacheMode says which cache rate applies to cached input tokens.
type CacheMode string

// CacheMode constants.
const (
	// CacheModeNone means no cache pricing applies.
	CacheModeNone CacheMode = ""
	// CacheModeWrite prices cached input tokens at the cache-write rate.
	CacheModeWrite CacheMode = "write"
	// CacheModeRead prices cached input tokens at the cache-read rate.
	CacheModeRead CacheMode = "read"
)

// TokenUsage is the per-request token consumption reported by the proxy.
type TokenUsage struct {
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
	CacheMode         CacheMode
}

// Validate rejects malformed token counts.
func (u TokenUsage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.CachedInputTokens < 0 {
		return fmt.Errorf("costing: negative token counts: input=%d output=%d cached=%d",
			u.InputTokens, u.OutputTokens, u.CachedInputTokens)
	}
	return nil
}

// TotalTokens returns the token count used for proportional attribution.
func (u TokenUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CachedInputTokens
}

// Breakdown is a vendor cost split into its components, in USD.
type Breakdown struct {
	InputCostUSD  decimal.Decimal
	OutputCostUSD decimal.Decimal
	CacheCostUSD  decimal.Decimal
	TotalUSD      decimal.Decimal
}

// per1K divides token counts for per-1000 pricing; the division is exact in
// decimal arithmetic.
var per1K = decimal.NewFromInt(1000)

// Calculate computes the vendor cost of a request from its pricing record.
//
// Each component is tokens/1000 times the matching per-1k rate. Cached input
// tokens are priced at the cache-write or cache-read rate when the record
// defines one, otherwise at the standard input rate. Zero counts yield zero
// cost for that component.
func Calculate(pricing *models.ModelPricing, usage TokenUsage) (Breakdown, error) {
	if pricing == nil {
		return Breakdown{}, errors.New("costing: nil pricing")
	}
	if errValidate := usage.Validate(); errValidate != nil {
		return Breakdown{}, errValidate
	}

	inputCost := tokenCost(usage.InputTokens, pricing.InputPricePer1K)
	outputCost := tokenCost(usage.OutputTokens, pricing.OutputPricePer1K)
	cacheCost := tokenCost(usage.CachedInputTokens, cacheRate(pricing, usage.CacheMode))

	return Breakdown{
		InputCostUSD:  inputCost,
		OutputCostUSD: outputCost,
		CacheCostUSD:  cacheCost,
		TotalUSD:      inputCost.Add(outputCost).Add(cacheCost),
	}, nil
}

// tokenCost computes tokens/1000 * pricePer1K.
func tokenCost(tokens int64, pricePer1K decimal.Decimal) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Div(per1K).Mul(pricePer1K)
}

// cacheRate picks the rate applied to cached input tokens.
func cacheRate(pricing *models.ModelPricing, mode CacheMode) decimal.Decimal {
	switch mode {
	case CacheModeWrite:
		if pricing.CacheInputPricePer1K != nil {
			return *pricing.CacheInputPricePer1K
		}
	case CacheModeRead:
		if pricing.CacheHitPricePer1K != nil {
			return *pricing.CacheHitPricePer1K
		}
	}
	return pricing.InputPricePer1K
}
