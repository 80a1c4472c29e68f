// Package margin resolves the margin multiplier applied to vendor cost.
package margin

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meterwise/creditengine/internal/models"
	"github.com/meterwise/creditengine/internal/settings"
	"github.com/shopspring/decimal"
)

// ErrConfigMissing marks a request with no resolvable margin config at any
// scope level. It is a configuration defect: billing must abort rather than
// silently charge zero margin.
var ErrConfigMissing = errors.New("margin: no resolvable config")

// ConfigMissingError carries the lookup that failed to resolve.
type ConfigMissingError struct {
	Tier     string
	Provider string
	Model    string
	AsOf     time.Time
}

// Error implements the error interface.
func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("margin: no resolvable config for tier=%q provider=%q model=%q at %s",
		e.Tier, e.Provider, e.Model, e.AsOf.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrConfigMissing.
func (e *ConfigMissingError) Unwrap() error { return ErrConfigMissing }

// Resolution is the outcome of a margin lookup.
type Resolution struct {
	Multiplier decimal.Decimal // Factor applied to vendor cost.
	Scope      models.MarginScope
	ConfigID   uint64 // Margin config row that matched.
}

// cachedResolution is one resolver cache entry. Entries are valid only for
// the ConfigCache snapshot version they were computed against, so an explicit
// reload invalidates them immediately rather than waiting out the TTL.
type cachedResolution struct {
	resolution Resolution
	version    uint64
	expiresAt  time.Time
}

// Resolver picks the margin multiplier for a (tier, provider, model)
// combination from the current ConfigCache snapshot.
type Resolver struct {
	configs *settings.ConfigCache

	mu    sync.RWMutex
	cache map[string]cachedResolution
}

// scopePrecedence orders scopes from most to least specific.
var scopePrecedence = []models.MarginScope{
	models.MarginScopeCombination,
	models.MarginScopeModel,
	models.MarginScopeProvider,
	models.MarginScopeTier,
	models.MarginScopeGlobal,
}

// NewResolver constructs a Resolver on top of a ConfigCache.
func NewResolver(configs *settings.ConfigCache) *Resolver {
	return &Resolver{
		configs: configs,
		cache:   make(map[string]cachedResolution),
	}
}

// Resolve returns the applicable multiplier for the given combination at
// asOf, walking scopes most specific first: combination, model, provider,
// tier, global. No match at any level returns *ConfigMissingError.
func (r *Resolver) Resolve(tier, provider, model string, asOf time.Time) (Resolution, error) {
	if r == nil || r.configs == nil {
		return Resolution{}, errors.New("margin: nil resolver")
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	version := r.configs.Version()
	key := tier + "\x00" + provider + "\x00" + model
	if resolution, ok := r.lookupCached(key, version); ok {
		return resolution, nil
	}

	configs := r.configs.MarginConfigs()
	for _, scope := range scopePrecedence {
		best := selectConfig(configs, scope, tier, provider, model, asOf)
		if best == nil {
			continue
		}
		resolution := Resolution{
			Multiplier: best.MarginMultiplier,
			Scope:      scope,
			ConfigID:   best.ID,
		}
		r.storeCached(key, version, resolution)
		return resolution, nil
	}

	return Resolution{}, &ConfigMissingError{Tier: tier, Provider: provider, Model: model, AsOf: asOf}
}

// selectConfig picks the effective config for one scope level, preferring the
// most recently updated row and breaking ties on the higher ID.
func selectConfig(configs []models.MarginConfig, scope models.MarginScope, tier, provider, model string, asOf time.Time) *models.MarginConfig {
	var best *models.MarginConfig
	for i := range configs {
		c := &configs[i]
		if c.ScopeType != scope || !c.Resolvable(asOf) {
			continue
		}
		if !scopeMatches(c, scope, tier, provider, model) {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
			continue
		}
		if c.UpdatedAt.Equal(best.UpdatedAt) && c.ID > best.ID {
			best = c
		}
	}
	return best
}

// scopeMatches reports whether a config's filters match the request.
func scopeMatches(c *models.MarginConfig, scope models.MarginScope, tier, provider, model string) bool {
	cTier := strings.ToLower(strings.TrimSpace(c.Tier))
	cProvider := strings.ToLower(strings.TrimSpace(c.Provider))
	cModel := strings.TrimSpace(c.Model)

	switch scope {
	case models.MarginScopeCombination:
		return cTier == tier && cProvider == provider && cModel == model
	case models.MarginScopeModel:
		return cProvider == provider && cModel == model
	case models.MarginScopeProvider:
		return cProvider == provider
	case models.MarginScopeTier:
		return cTier == tier
	case models.MarginScopeGlobal:
		return true
	default:
		return false
	}
}

// lookupCached returns a cached resolution when the snapshot version still
// matches and the TTL has not elapsed.
func (r *Resolver) lookupCached(key string, version uint64) (Resolution, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || entry.version != version || time.Now().After(entry.expiresAt) {
		return Resolution{}, false
	}
	return entry.resolution, true
}

func (r *Resolver) storeCached(key string, version uint64, resolution Resolution) {
	r.mu.Lock()
	r.cache[key] = cachedResolution{
		resolution: resolution,
		version:    version,
		expiresAt:  time.Now().Add(r.configs.MarginCacheTTL()),
	}
	r.mu.Unlock()
}
