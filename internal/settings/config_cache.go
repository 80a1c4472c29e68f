package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meterwise/creditengine/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// snapshot holds one immutable view of the runtime billing configuration.
type snapshot struct {
	version       uint64
	increment     decimal.Decimal
	creditsPerUSD decimal.Decimal
	marginTTL     time.Duration
	margins       []models.MarginConfig
	loadedAt      time.Time
}

// ConfigCache owns the process-wide billing configuration: the credit
// rounding increment and the margin config set.
//
// Readers always observe a complete snapshot; Reload swaps the snapshot
// atomically so there is no partial-update window. Every successful reload
// bumps the version, which downstream caches use for invalidation.
type ConfigCache struct {
	current atomic.Pointer[snapshot]
	version atomic.Uint64

	// reloadMu serializes Reload so snapshots are stored in version order.
	reloadMu sync.Mutex
}

// NewConfigCache constructs a ConfigCache seeded with defaults. Reload must
// run before the cache reflects database state.
func NewConfigCache() *ConfigCache {
	c := &ConfigCache{}
	c.current.Store(defaultSnapshot())
	return c
}

// Reload loads settings and margin configs from the database and atomically
// swaps the in-memory snapshot.
func (c *ConfigCache) Reload(ctx context.Context, conn *gorm.DB) error {
	if c == nil {
		return errors.New("settings: nil config cache")
	}
	if conn == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	increment, errIncrement := loadPositiveDecimal(ctx, conn, RoundingIncrementKey, DefaultRoundingIncrement)
	if errIncrement != nil {
		return errIncrement
	}
	creditsPerUSD, errRate := loadPositiveDecimal(ctx, conn, CreditsPerUSDKey, DefaultCreditsPerUSD)
	if errRate != nil {
		return errRate
	}
	marginTTL, errTTL := loadMarginCacheTTL(ctx, conn)
	if errTTL != nil {
		return errTTL
	}

	var margins []models.MarginConfig
	if errFind := conn.WithContext(ctx).
		Where("approval_status = ? AND is_active = ?", models.ApprovalApproved, true).
		Order("id ASC").
		Find(&margins).Error; errFind != nil {
		return errFind
	}

	next := &snapshot{
		version:       c.version.Add(1),
		increment:     increment,
		creditsPerUSD: creditsPerUSD,
		marginTTL:     marginTTL,
		margins:       margins,
		loadedAt:      time.Now().UTC(),
	}
	c.current.Store(next)
	return nil
}

// Increment returns the current credit rounding increment.
func (c *ConfigCache) Increment() decimal.Decimal {
	return c.load().increment
}

// CreditsPerUSD returns the fixed USD to credit conversion rate.
func (c *ConfigCache) CreditsPerUSD() decimal.Decimal {
	return c.load().creditsPerUSD
}

// MarginCacheTTL returns the resolver cache TTL.
func (c *ConfigCache) MarginCacheTTL() time.Duration {
	return c.load().marginTTL
}

// MarginConfigs returns the margin config snapshot. The returned slice is
// shared and must not be mutated by callers.
func (c *ConfigCache) MarginConfigs() []models.MarginConfig {
	return c.load().margins
}

// Version returns the snapshot version. It increases on every reload.
func (c *ConfigCache) Version() uint64 {
	return c.load().version
}

// LoadedAt returns when the snapshot was last reloaded from the database.
func (c *ConfigCache) LoadedAt() time.Time {
	return c.load().loadedAt
}

func (c *ConfigCache) load() *snapshot {
	if c == nil {
		return defaultSnapshot()
	}
	snap := c.current.Load()
	if snap == nil {
		return defaultSnapshot()
	}
	return snap
}

func defaultSnapshot() *snapshot {
	return &snapshot{
		increment:     decimal.RequireFromString(DefaultRoundingIncrement),
		creditsPerUSD: decimal.RequireFromString(DefaultCreditsPerUSD),
		marginTTL:     DefaultMarginCacheTTLSeconds * time.Second,
	}
}

// loadPositiveDecimal reads a setting and validates it as a positive decimal.
func loadPositiveDecimal(ctx context.Context, conn *gorm.DB, key, fallback string) (decimal.Decimal, error) {
	raw, found, errLoad := loadSettingValue(ctx, conn, key)
	if errLoad != nil {
		return decimal.Decimal{}, errLoad
	}
	if !found {
		return decimal.RequireFromString(fallback), nil
	}

	var value decimal.Decimal
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return decimal.Decimal{}, fmt.Errorf("settings: invalid %s value", key)
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("settings: %s must be positive", key)
	}
	return value, nil
}

// loadMarginCacheTTL reads the resolver cache TTL setting.
func loadMarginCacheTTL(ctx context.Context, conn *gorm.DB) (time.Duration, error) {
	raw, found, errLoad := loadSettingValue(ctx, conn, MarginCacheTTLSecondsKey)
	if errLoad != nil {
		return 0, errLoad
	}
	if !found {
		return DefaultMarginCacheTTLSeconds * time.Second, nil
	}

	var seconds int64
	if errUnmarshal := json.Unmarshal(raw, &seconds); errUnmarshal != nil || seconds <= 0 {
		return DefaultMarginCacheTTLSeconds * time.Second, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// loadSettingValue fetches a raw setting value by key.
func loadSettingValue(ctx context.Context, conn *gorm.DB, key string) (json.RawMessage, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}

	var row models.Setting
	errFirst := conn.WithContext(ctx).
		Where("key = ?", key).
		Take(&row).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, errFirst
	}
	return row.Value, true, nil
}
