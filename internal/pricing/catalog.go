// Package pricing resolves effective-dated vendor unit prices.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meterwise/creditengine/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound marks a missing active price for a provider/model. Callers
// must never substitute zero-cost pricing for it.
var ErrNotFound = errors.New("pricing: no active price")

// NotFoundError carries the lookup that failed to resolve.
type NotFoundError struct {
	Provider string
	Model    string
	AsOf     time.Time
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pricing: no active price for %s/%s at %s", e.Provider, e.Model, e.AsOf.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// cachedRecord is one catalog cache entry.
type cachedRecord struct {
	record    *models.ModelPricing
	expiresAt time.Time
}

// Catalog looks up vendor pricing by provider, model and instant.
//
// Lookups are served from a short-TTL in-memory cache on top of the pricing
// table; Invalidate drops the cache after an administrative pricing change.
type Catalog struct {
	db  *gorm.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRecord
}

// catalogCacheTTL bounds how long a resolved price may be served without
// rechecking the database.
const catalogCacheTTL = time.Minute

// NewCatalog constructs a Catalog backed by the given connection.
func NewCatalog(conn *gorm.DB) *Catalog {
	return &Catalog{
		db:    conn,
		ttl:   catalogCacheTTL,
		cache: make(map[string]cachedRecord),
	}
}

// Resolve returns the pricing record effective for provider/model at asOf.
//
// Among active records with effective_from <= asOf whose window still covers
// asOf, the latest effective_from wins; ties resolve to the most recently
// inserted row. A miss returns *NotFoundError, never a zero-cost record.
func (c *Catalog) Resolve(ctx context.Context, provider, model string, asOf time.Time) (*models.ModelPricing, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("pricing: nil catalog")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return nil, &NotFoundError{Provider: provider, Model: model, AsOf: asOf}
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	key := provider + "\x00" + model
	if record, ok := c.lookupCached(key, asOf); ok {
		return record, nil
	}

	var record models.ModelPricing
	errFirst := c.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND is_active = ?", provider, model, true).
		Where("effective_from <= ?", asOf).
		Where("effective_until IS NULL OR effective_until > ?", asOf).
		Order("effective_from DESC, id DESC").
		First(&record).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Provider: provider, Model: model, AsOf: asOf}
		}
		return nil, fmt.Errorf("pricing: resolve %s/%s: %w", provider, model, errFirst)
	}

	c.storeCached(key, &record)
	return cloneRecord(&record), nil
}

// Invalidate drops every cached record. Call it after pricing rows change.
func (c *Catalog) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache = make(map[string]cachedRecord)
	c.mu.Unlock()
}

// lookupCached returns a cached record when it is fresh and still covers asOf.
func (c *Catalog) lookupCached(key string, asOf time.Time) (*models.ModelPricing, bool) {
	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	if !entry.record.EffectiveAt(asOf) {
		return nil, false
	}
	return cloneRecord(entry.record), true
}

func (c *Catalog) storeCached(key string, record *models.ModelPricing) {
	c.mu.Lock()
	c.cache[key] = cachedRecord{
		record:    cloneRecord(record),
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func cloneRecord(record *models.ModelPricing) *models.ModelPricing {
	if record == nil {
		return nil
	}
	cloned := *record
	if record.CacheInputPricePer1K != nil {
		v := *record.CacheInputPricePer1K
		cloned.CacheInputPricePer1K = &v
	}
	if record.CacheHitPricePer1K != nil {
		v := *record.CacheHitPricePer1K
		cloned.CacheHitPricePer1K = &v
	}
	if record.EffectiveUntil != nil {
		v := *record.EffectiveUntil
		cloned.EffectiveUntil = &v
	}
	return &cloned
}
