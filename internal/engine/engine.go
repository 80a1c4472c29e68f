// Package engine wires pricing, margin resolution, credit conversion and the
// balance ledger into the per-request metering flow.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterwise/creditengine/internal/costing"
	"github.com/meterwise/creditengine/internal/ledger"
	"github.com/meterwise/creditengine/internal/margin"
	"github.com/meterwise/creditengine/internal/models"
	"github.com/meterwise/creditengine/internal/pricing"
	"github.com/meterwise/creditengine/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrInvalidTokenCounts marks malformed token counts rejected before any
// cost calculation.
var ErrInvalidTokenCounts = errors.New("engine: invalid token counts")

// Request is one metering request from the proxy after a vendor call.
type Request struct {
	RequestID string // Dedup key; generated when empty.
	UserID    uint64
	Tier      string // Caller's subscription tier.

	Provider string
	Model    string

	Usage costing.TokenUsage

	At time.Time // Pricing/margin resolution instant; zero means now.
}

// Result is the outcome of a committed (or replayed) metering request.
type Result struct {
	RequestID string

	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Duplicate     bool

	VendorCostUSD    decimal.Decimal
	MarginMultiplier decimal.Decimal
	MatchedScope     models.MarginScope

	InputCredits   decimal.Decimal
	OutputCredits  decimal.Decimal
	CreditsCharged decimal.Decimal
}

// Engine is the credit accounting facade used by the proxy.
type Engine struct {
	db       *gorm.DB
	configs  *settings.ConfigCache
	catalog  *pricing.Catalog
	margins  *margin.Resolver
	balances *ledger.BalanceLedger
}

// New constructs an Engine on the given connection and config cache.
func New(conn *gorm.DB, configs *settings.ConfigCache) *Engine {
	return &Engine{
		db:       conn,
		configs:  configs,
		catalog:  pricing.NewCatalog(conn),
		margins:  margin.NewResolver(configs),
		balances: ledger.New(conn),
	}
}

// Catalog exposes the pricing catalog, mainly so reload hooks can
// invalidate it together with the config cache.
func (e *Engine) Catalog() *pricing.Catalog {
	if e == nil {
		return nil
	}
	return e.catalog
}

// MeterRequest converts token usage into a credit charge and deducts it.
//
// A pricing or margin config miss aborts metering: the request is never
// silently charged zero. A duplicate request id returns the replayed result
// with Duplicate set and no error. Insufficient balances surface as
// *ledger.InsufficientCreditsError for the caller to translate into a
// payment-required response.
func (e *Engine) MeterRequest(ctx context.Context, req Request) (*Result, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("engine: nil engine")
	}

	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Model = strings.TrimSpace(req.Model)
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.UserID == 0 {
		return nil, errors.New("engine: empty user id")
	}
	if req.Provider == "" || req.Model == "" {
		return nil, errors.New("engine: empty provider or model")
	}
	if errUsage := req.Usage.Validate(); errUsage != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenCounts, errUsage)
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pricingRecord, errPricing := e.catalog.Resolve(ctx, req.Provider, req.Model, at)
	if errPricing != nil {
		if errors.Is(errPricing, pricing.ErrNotFound) {
			log.WithFields(log.Fields{
				"provider": req.Provider,
				"model":    req.Model,
				"at":       at,
			}).Error("engine: configuration incident: no active pricing for request")
		}
		return nil, errPricing
	}

	breakdown, errCost := costing.Calculate(pricingRecord, req.Usage)
	if errCost != nil {
		return nil, errCost
	}

	resolution, errMargin := e.margins.Resolve(req.Tier, req.Provider, req.Model, at)
	if errMargin != nil {
		if errors.Is(errMargin, margin.ErrConfigMissing) {
			log.WithFields(log.Fields{
				"tier":     req.Tier,
				"provider": req.Provider,
				"model":    req.Model,
			}).Error("engine: configuration incident: no resolvable margin config")
		}
		return nil, errMargin
	}

	increment := e.configs.Increment()
	creditsPerUSD := e.configs.CreditsPerUSD()
	charge := costing.ConvertBreakdown(breakdown, req.Usage, pricingRecord.BlendedRate, resolution.Multiplier, increment, creditsPerUSD)

	grossMarginUSD, grossMarginPercent := grossMargin(charge.TotalCredits, creditsPerUSD, breakdown.TotalUSD)

	deduction, errDeduct := e.balances.Deduct(ctx, ledger.DeductionRequest{
		UserID:             req.UserID,
		RequestID:          req.RequestID,
		Provider:           req.Provider,
		Model:              req.Model,
		InputTokens:        req.Usage.InputTokens,
		OutputTokens:       req.Usage.OutputTokens,
		CachedInputTokens:  req.Usage.CachedInputTokens,
		VendorCostUSD:      breakdown.TotalUSD,
		MarginMultiplier:   resolution.Multiplier,
		InputCredits:       charge.InputCredits,
		OutputCredits:      charge.OutputCredits,
		TotalCredits:       charge.TotalCredits,
		GrossMarginUSD:     grossMarginUSD,
		GrossMarginPercent: grossMarginPercent,
		Detail:             deductionDetail(req, resolution, pricingRecord),
	})
	if errDeduct != nil && !errors.Is(errDeduct, ledger.ErrDuplicateRequest) {
		return nil, errDeduct
	}

	return &Result{
		RequestID:        req.RequestID,
		BalanceBefore:    deduction.BalanceBefore,
		BalanceAfter:     deduction.BalanceAfter,
		Duplicate:        deduction.Duplicate,
		VendorCostUSD:    breakdown.TotalUSD,
		MarginMultiplier: resolution.Multiplier,
		MatchedScope:     resolution.Scope,
		InputCredits:     charge.InputCredits,
		OutputCredits:    charge.OutputCredits,
		CreditsCharged:   charge.TotalCredits,
	}, nil
}

// trackAttempts bounds TrackUsage retries on transaction conflicts.
const trackAttempts = 2

// TrackUsage meters a request on the fire-after-success path: the vendor
// call already completed, so a metering failure must never propagate into
// the user-facing response. Conflicts are retried a bounded number of times;
// anything else is logged with full context for reconciliation and dropped.
// The returned result is nil when the request went unmetered.
func (e *Engine) TrackUsage(ctx context.Context, req Request) *Result {
	if e == nil {
		return nil
	}

	// Pin the dedup key before the loop so every retry replays the same
	// request instead of metering a fresh one.
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	var lastErr error
	for attempt := 1; attempt <= trackAttempts; attempt++ {
		result, errMeter := e.MeterRequest(ctx, req)
		if errMeter == nil {
			return result
		}
		lastErr = errMeter
		if !errors.Is(errMeter, ledger.ErrConflict) {
			break
		}
	}

	log.WithError(lastErr).WithFields(log.Fields{
		"request_id": req.RequestID,
		"user_id":    req.UserID,
		"provider":   req.Provider,
		"model":      req.Model,
	}).Error("engine: request went unmetered and needs reconciliation")
	return nil
}

// grossMargin derives the USD margin and its percentage from the charge.
func grossMargin(totalCredits, creditsPerUSD, vendorCostUSD decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !creditsPerUSD.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	chargedUSD := totalCredits.Div(creditsPerUSD)
	marginUSD := chargedUSD.Sub(vendorCostUSD)
	if chargedUSD.IsZero() {
		return marginUSD, decimal.Zero
	}
	percent := marginUSD.Div(chargedUSD).Mul(decimal.NewFromInt(100))
	return marginUSD, percent
}

// deductionDetail captures resolution context on the ledger row for audits.
func deductionDetail(req Request, resolution margin.Resolution, pricingRecord *models.ModelPricing) []byte {
	detail := map[string]any{
		"tier":             req.Tier,
		"matched_scope":    resolution.Scope,
		"margin_config_id": resolution.ConfigID,
		"pricing_id":       pricingRecord.ID,
	}
	if req.Usage.CacheMode != costing.CacheModeNone {
		detail["cache_mode"] = req.Usage.CacheMode
	}
	raw, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return raw
}
