package costing

import (
	"github.com/shopspring/decimal"
)

// CreditCharge is a credit amount split into input and output shares.
//
// TotalCredits always equals InputCredits plus OutputCredits exactly.
type CreditCharge struct {
	InputCredits  decimal.Decimal
	OutputCredits decimal.Decimal
	TotalCredits  decimal.Decimal
}

// ToCredits converts a USD cost into the credit amount charged for it:
// the smallest multiple of increment that is >= cost * multiplier converted
// at creditsPerUSD. Any positive sub-increment cost rounds up to one full
// increment; zero cost yields zero credits.
func ToCredits(costUSD, multiplier, increment, creditsPerUSD decimal.Decimal) decimal.Decimal {
	raw := costUSD.Mul(multiplier).Mul(creditsPerUSD)
	return ceilToIncrement(raw, increment)
}

// ConvertBreakdown turns a vendor cost breakdown into the credit charge.
//
// Split-rate models convert the input side (standard plus cache components)
// and the output side independently with the same multiplier and increment,
// then sum the two roundings; the sum may exceed a combined-then-rounded
// value by at most one increment, which is intentional.
//
// Blended-rate legacy models convert the total once and then split it across
// input and output proportionally by token share. The proportional split is
// an approximation kept for reporting only, not an authoritative per-side
// cost attribution.
func ConvertBreakdown(b Breakdown, usage TokenUsage, blended bool, multiplier, increment, creditsPerUSD decimal.Decimal) CreditCharge {
	if blended {
		return splitBlended(b, usage, multiplier, increment, creditsPerUSD)
	}

	inputCredits := ToCredits(b.InputCostUSD.Add(b.CacheCostUSD), multiplier, increment, creditsPerUSD)
	outputCredits := ToCredits(b.OutputCostUSD, multiplier, increment, creditsPerUSD)
	return CreditCharge{
		InputCredits:  inputCredits,
		OutputCredits: outputCredits,
		TotalCredits:  inputCredits.Add(outputCredits),
	}
}

// splitBlended rounds the combined charge once and attributes it by token
// share: the input share is floored to an increment multiple and the output
// side absorbs the remainder, keeping the total exact.
func splitBlended(b Breakdown, usage TokenUsage, multiplier, increment, creditsPerUSD decimal.Decimal) CreditCharge {
	total := ToCredits(b.TotalUSD, multiplier, increment, creditsPerUSD)
	if total.IsZero() {
		return CreditCharge{InputCredits: decimal.Zero, OutputCredits: decimal.Zero, TotalCredits: decimal.Zero}
	}

	inputTokens := usage.InputTokens + usage.CachedInputTokens
	totalTokens := inputTokens + usage.OutputTokens
	if totalTokens <= 0 {
		return CreditCharge{InputCredits: total, OutputCredits: decimal.Zero, TotalCredits: total}
	}

	share := decimal.NewFromInt(inputTokens).Div(decimal.NewFromInt(totalTokens))
	inputCredits := floorToIncrement(total.Mul(share), increment)
	return CreditCharge{
		InputCredits:  inputCredits,
		OutputCredits: total.Sub(inputCredits),
		TotalCredits:  total,
	}
}

// ceilToIncrement rounds up to the nearest multiple of increment.
func ceilToIncrement(v, increment decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 || !increment.IsPositive() {
		return decimal.Zero
	}
	rem := v.Mod(increment)
	if rem.IsZero() {
		return v
	}
	return v.Sub(rem).Add(increment)
}

// floorToIncrement rounds down to the nearest multiple of increment.
func floorToIncrement(v, increment decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 || !increment.IsPositive() {
		return decimal.Zero
	}
	return v.Sub(v.Mod(increment))
}
