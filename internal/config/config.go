package config

import (
	"os"
	"strconv"
)

// Config holds the trading thresholds and paths for the copilot server.
// Every field is read from a COPILOT_* environment variable with a sensible
// default, so a bare `flip-copilot` invocation works out of the box.
type Config struct {
	BindHost string
	Port     int

	PricesBase     string
	CatalogURL     string // optional primary item catalog; wiki mapping is the fallback
	UserAgent      string
	RefreshSeconds int

	DebugRejections bool

	// Trading constraints.
	MaxCashFraction   float64
	BuyBudgetCap      int64
	TargetFillMinutes float64

	// Trend-assisted scoring (30m/2h/8h horizons).
	EnableTrends         bool
	TrendCacheTTLSeconds int
	TrendRecheckTopN     int

	MinBuyPrice int64
	MinMarginGP int64
	MinROI      float64
	MaxROI      float64

	MinDailyVolume int64
	MaxDailyVolume int64

	// Seller tax used for scoring and profit displays.
	SellerTaxRate float64
	SellerTaxCap  int64

	// GE buy-limit reset window (4h by default).
	BuyLimitResetSeconds int

	// Untracked inventory is fast-sold when it would move this quickly.
	FastSellTargetMinutes float64

	BuyRecTimeoutSeconds int
	AbortCooldownSeconds int
	StuckBuyAbortSeconds int
	StaleOfferSeconds    int

	// Paths.
	LedgerPath string
	DBPath     string
	LogPath    string

	LogMaxBytes int64
	LogBackups  int

	// Optional token guarding /stats when exposed beyond localhost.
	DashToken string
}

// FromEnv builds a Config from COPILOT_* environment variables,
// falling back to defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		BindHost: envStr("COPILOT_BIND_HOST", "127.0.0.1"),
		Port:     envInt("COPILOT_PORT", 5000),

		PricesBase:     envStr("COPILOT_PRICES_BASE", "https://prices.runescape.wiki/api/v1/osrs"),
		CatalogURL:     envStr("COPILOT_CATALOG_URL", ""),
		UserAgent:      envStr("COPILOT_USER_AGENT", "flip-copilot/1.0"),
		RefreshSeconds: envInt("COPILOT_REFRESH_SECONDS", 60),

		DebugRejections: envBool("COPILOT_DEBUG_REJECTIONS", true),

		MaxCashFraction:   envFloat("COPILOT_MAX_CASH_FRACTION", 0.90),
		BuyBudgetCap:      envInt64("COPILOT_BUY_BUDGET_CAP", 10_000_000),
		TargetFillMinutes: envFloat("COPILOT_TARGET_FILL_MINUTES", 5.0),

		EnableTrends:         envBool("COPILOT_ENABLE_TRENDS", true),
		TrendCacheTTLSeconds: envInt("COPILOT_TREND_CACHE_TTL", 180),
		TrendRecheckTopN:     envInt("COPILOT_TREND_TOP_N", 20),

		MinBuyPrice: envInt64("COPILOT_MIN_BUY_PRICE", 1),
		MinMarginGP: envInt64("COPILOT_MIN_MARGIN_GP", 1),
		MinROI:      envFloat("COPILOT_MIN_ROI", 0.0005),
		MaxROI:      envFloat("COPILOT_MAX_ROI", 0.40),

		MinDailyVolume: envInt64("COPILOT_MIN_DAILY_VOLUME", 10_000),
		MaxDailyVolume: envInt64("COPILOT_MAX_DAILY_VOLUME", 1_000_000_000),

		SellerTaxRate: envFloat("COPILOT_SELLER_TAX_RATE", 0.02),
		SellerTaxCap:  envInt64("COPILOT_SELLER_TAX_CAP", 5_000_000),

		BuyLimitResetSeconds: envInt("COPILOT_BUY_LIMIT_RESET_SECONDS", 4*60*60),

		FastSellTargetMinutes: envFloat("COPILOT_FAST_SELL_TARGET_MINUTES", 2.0),

		BuyRecTimeoutSeconds: envInt("COPILOT_BUY_REC_TIMEOUT_SECONDS", 20*60),
		AbortCooldownSeconds: envInt("COPILOT_ABORT_COOLDOWN_SECONDS", 120),
		StuckBuyAbortSeconds: envInt("COPILOT_STUCK_BUY_ABORT_SECONDS", 20*60),
		StaleOfferSeconds:    envInt("COPILOT_STALE_OFFER_SECONDS", 120),

		LedgerPath: envStr("COPILOT_LEDGER_PATH", "ledger.json"),
		DBPath:     envStr("COPILOT_DB_PATH", "copilot.db"),
		LogPath:    envStr("COPILOT_LOG_PATH", "copilot.log"),

		LogMaxBytes: envInt64("COPILOT_LOG_MAX_BYTES", 5*1024*1024),
		LogBackups:  envInt("COPILOT_LOG_BACKUPS", 5),

		DashToken: envStr("COPILOT_DASH_TOKEN", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
