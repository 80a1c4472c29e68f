package settings

// DB config keys and defaults for billing settings.
const (
	// RoundingIncrementKey is the DB config key for the credit rounding increment.
	RoundingIncrementKey = "CREDIT_ROUNDING_INCREMENT"
	// DefaultRoundingIncrement is the fallback rounding increment.
	DefaultRoundingIncrement = "0.01"
	// CreditsPerUSDKey is the DB config key for the USD to credit rate.
	CreditsPerUSDKey = "CREDITS_PER_USD"
	// DefaultCreditsPerUSD is the fallback USD to credit rate.
	DefaultCreditsPerUSD = "100"
	// MarginCacheTTLSecondsKey controls the resolver cache TTL in seconds.
	MarginCacheTTLSecondsKey = "MARGIN_CACHE_TTL_SECONDS"
	// DefaultMarginCacheTTLSeconds is the fallback resolver cache TTL (seconds).
	DefaultMarginCacheTTLSeconds = 300
	// ReloadChannel is the redis pub/sub channel announcing config changes.
	ReloadChannel = "creditengine:config:reload"
)
