// Package config defines all configuration for the analytics daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via DD_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Currency  string          `mapstructure:"currency"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Expiries  ExpiryConfig    `mapstructure:"expiries"`
	Term      TermConfig      `mapstructure:"term"`
	Skew      SkewConfig      `mapstructure:"skew"`
	Gamma     GammaConfig     `mapstructure:"gamma"`
	OI        OIConfig        `mapstructure:"oi"`
	Liquidity LiquidityConfig `mapstructure:"liquidity"`
	Realized  RealizedConfig  `mapstructure:"realized"`
	Condor    CondorConfig    `mapstructure:"condor"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// GatewayConfig holds venue API endpoints and HTTP behavior.
type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"` // bounded ticker-fetch parallelism
	RetryMax    int           `mapstructure:"retry_max"`   // attempts on rate-limit errors
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// RefreshConfig controls the orchestrated refresh cycle.
//
//   - Interval: optional poll timer, 0 disables polling (manual refresh only).
//   - StaggerDelay: pause between engine refreshes to avoid bursting the
//     gateway rate limiter.
type RefreshConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StaggerDelay time.Duration `mapstructure:"stagger_delay"`
}

// ExpiryConfig bounds the expiry subset the term-structure engines work on.
// Near expiries (≤ NearDays out) are kept verbatim; far expiries collapse to
// one per calendar month, with MinMonthly far slots always reserved.
type ExpiryConfig struct {
	Max        int     `mapstructure:"max"`
	NearDays   float64 `mapstructure:"near_days"`
	MinMonthly int     `mapstructure:"min_monthly"`
}

// TermConfig tunes ATM node construction and the term-structure classifier.
type TermConfig struct {
	StrikeBandPct float64   `mapstructure:"strike_band_pct"` // restrict ATM candidates to ±band around spot, 0 = no band
	SlopeEpsilon  float64   `mapstructure:"slope_epsilon"`   // contango/backwardation noise floor (vol pts per year)
	EMTenorDays   []float64 `mapstructure:"em_tenor_days"`   // expected-move display tenors
	RateAnnual    float64   `mapstructure:"rate_annual"`     // forward adjustment: risk-free rate
	YieldAnnual   float64   `mapstructure:"yield_annual"`    // forward adjustment: convenience yield
}

// SkewConfig tunes the 25Δ risk-reversal engine.
type SkewConfig struct {
	TargetDays   float64 `mapstructure:"target_days"`
	MinDTE       float64 `mapstructure:"min_dte"`        // exclude expiries at or under this many days
	MaxPerSide   int     `mapstructure:"max_per_side"`   // strikes fetched per side
	DeltaSpanMax float64 `mapstructure:"delta_span_max"` // bracket wider than this falls back to nearest leg
	MaxIV        float64 `mapstructure:"max_iv"`         // plausibility ceiling for leg IVs
}

// GammaConfig tunes the gamma-exposure map and center-of-mass companion.
type GammaConfig struct {
	WindowPct    float64 `mapstructure:"window_pct"`    // strike window around spot
	TopN         int     `mapstructure:"top_n"`         // ranked walls to report
	PinnedPct    float64 `mapstructure:"pinned_pct"`    // |com distance| under this is "pinned"
	DecayHalfDTE float64 `mapstructure:"decay_half_dte"` // exponential time-decay half-life for COM weighting, 0 = off
}

// OIConfig tunes the open-interest concentration engine.
type OIConfig struct {
	TopN      int     `mapstructure:"top_n"`
	FrontOnly bool    `mapstructure:"front_only"`
	WindowPct float64 `mapstructure:"window_pct"` // price window around spot, 0 = no window
}

// LiquidityConfig tunes the composite liquidity stress score.
// Weights are empirical and renormalized over available markets.
type LiquidityConfig struct {
	ClipSizeUSD    float64 `mapstructure:"clip_size_usd"`
	DepthWindowPct float64 `mapstructure:"depth_window_pct"`
	SpreadWeight   float64 `mapstructure:"spread_weight"`
	DepthWeight    float64 `mapstructure:"depth_weight"`
	PerpWeight     float64 `mapstructure:"perp_weight"`
	ShortOptWeight float64 `mapstructure:"short_opt_weight"`
	LongOptWeight  float64 `mapstructure:"long_opt_weight"`
}

// RealizedConfig tunes the realized-vol engine.
type RealizedConfig struct {
	WindowDays int    `mapstructure:"window_days"`
	Resolution string `mapstructure:"resolution"` // candle resolution, e.g. "1D"
}

// CondorConfig tunes the EM-sized iron condor pricing check.
type CondorConfig struct {
	TenorDays      float64 `mapstructure:"tenor_days"`
	ShortMult      float64 `mapstructure:"short_mult"`      // short strikes at spot ∓ ShortMult×EM
	HedgeMult      float64 `mapstructure:"hedge_mult"`      // long hedges at spot ∓ HedgeMult×EM
	MinCreditFrac  float64 `mapstructure:"min_credit_frac"` // credit floor as fraction of EM
	MaxSpreadFrac  float64 `mapstructure:"max_spread_frac"` // per-leg bid/ask spread ceiling vs mid
}

// StoreConfig sets where computed snapshots are persisted (JSON files).
// Disabled by default; the engine itself is stateless.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // optional rotating log file
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides (prefix DD_).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults installs the empirical defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("currency", "BTC")

	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.concurrency", 4)
	v.SetDefault("gateway.retry_max", 5)
	v.SetDefault("gateway.backoff_base", 250*time.Millisecond)
	v.SetDefault("gateway.backoff_cap", 2*time.Second)

	v.SetDefault("refresh.interval", time.Minute)
	v.SetDefault("refresh.stagger_delay", 150*time.Millisecond)

	v.SetDefault("expiries.max", 8)
	v.SetDefault("expiries.near_days", 14.0)
	v.SetDefault("expiries.min_monthly", 2)

	v.SetDefault("term.strike_band_pct", 0.25)
	v.SetDefault("term.slope_epsilon", 0.005)
	v.SetDefault("term.em_tenor_days", []float64{1, 7, 30})

	v.SetDefault("skew.target_days", 30.0)
	v.SetDefault("skew.min_dte", 1.0)
	v.SetDefault("skew.max_per_side", 8)
	v.SetDefault("skew.delta_span_max", 0.12)
	v.SetDefault("skew.max_iv", 3.0)

	v.SetDefault("gamma.window_pct", 0.05)
	v.SetDefault("gamma.top_n", 5)
	v.SetDefault("gamma.pinned_pct", 0.0075)
	v.SetDefault("gamma.decay_half_dte", 0.0)

	v.SetDefault("oi.top_n", 5)
	v.SetDefault("oi.front_only", false)
	v.SetDefault("oi.window_pct", 0.0)

	v.SetDefault("liquidity.clip_size_usd", 100000.0)
	v.SetDefault("liquidity.depth_window_pct", 0.01)
	v.SetDefault("liquidity.spread_weight", 0.5)
	v.SetDefault("liquidity.depth_weight", 0.5)
	v.SetDefault("liquidity.perp_weight", 0.2)
	v.SetDefault("liquidity.short_opt_weight", 0.4)
	v.SetDefault("liquidity.long_opt_weight", 0.4)

	v.SetDefault("realized.window_days", 30)
	v.SetDefault("realized.resolution", "1D")

	v.SetDefault("condor.tenor_days", 7.0)
	v.SetDefault("condor.short_mult", 1.0)
	v.SetDefault("condor.hedge_mult", 1.5)
	v.SetDefault("condor.min_credit_frac", 0.15)
	v.SetDefault("condor.max_spread_frac", 0.25)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.Concurrency <= 0 {
		return fmt.Errorf("gateway.concurrency must be > 0")
	}
	if c.Expiries.Max <= 0 {
		return fmt.Errorf("expiries.max must be > 0")
	}
	if c.Expiries.MinMonthly < 0 || c.Expiries.MinMonthly > c.Expiries.Max {
		return fmt.Errorf("expiries.min_monthly must be in [0, expiries.max]")
	}
	if c.Skew.TargetDays <= 0 {
		return fmt.Errorf("skew.target_days must be > 0")
	}
	if c.Skew.DeltaSpanMax <= 0 || c.Skew.DeltaSpanMax >= 0.5 {
		return fmt.Errorf("skew.delta_span_max must be in (0, 0.5)")
	}
	if c.Gamma.WindowPct <= 0 {
		return fmt.Errorf("gamma.window_pct must be > 0")
	}
	if c.Liquidity.ClipSizeUSD <= 0 {
		return fmt.Errorf("liquidity.clip_size_usd must be > 0")
	}
	if w := c.Liquidity.SpreadWeight + c.Liquidity.DepthWeight; w <= 0 {
		return fmt.Errorf("liquidity spread/depth weights must sum to > 0")
	}
	if w := c.Liquidity.PerpWeight + c.Liquidity.ShortOptWeight + c.Liquidity.LongOptWeight; w <= 0 {
		return fmt.Errorf("liquidity market weights must sum to > 0")
	}
	if c.Realized.WindowDays < 2 {
		return fmt.Errorf("realized.window_days must be >= 2")
	}
	if c.Condor.HedgeMult <= c.Condor.ShortMult {
		return fmt.Errorf("condor.hedge_mult must exceed condor.short_mult")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid port")
	}
	return nil
}
